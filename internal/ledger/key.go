package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/google/uuid"
)

// Key derives the ledger key for one attempt of an operation on a task. The
// attempt number is part of the key so a retry never replays the failure of
// the attempt before it.
func Key(taskID uuid.UUID, kind string, payload []byte, attempt int) string {
	h := sha256.New()
	h.Write(taskID[:])
	writeField(h, []byte(kind))
	writeField(h, payload)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(attempt))
	h.Write(buf[:])

	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes b so adjacent fields cannot collide.
func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(b)))
	h.Write(buf[:])
	h.Write(b)
}
