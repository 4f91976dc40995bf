package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
	"github.com/wolfeidau/tablepipe/internal/store/memory"
)

func TestKey(t *testing.T) {
	task := uuid.Must(uuid.NewV7())
	other := uuid.Must(uuid.NewV7())

	base := Key(task, "draft", []byte("prompt"), 0)
	require.Len(t, base, 64)
	require.Equal(t, base, Key(task, "draft", []byte("prompt"), 0))

	require.NotEqual(t, base, Key(other, "draft", []byte("prompt"), 0))
	require.NotEqual(t, base, Key(task, "export", []byte("prompt"), 0))
	require.NotEqual(t, base, Key(task, "draft", []byte("prompt2"), 0))
	require.NotEqual(t, base, Key(task, "draft", []byte("prompt"), 1))

	// field boundaries are unambiguous
	require.NotEqual(t, Key(task, "ab", []byte("c"), 0), Key(task, "a", []byte("bc"), 0))
}

func TestExecuteOnceReplaysSuccess(t *testing.T) {
	l := New(memory.NewStore(), Config{})
	ctx := context.Background()
	req := Request{Key: "k1", TaskID: uuid.Must(uuid.NewV7()), Kind: "draft"}

	var calls atomic.Int32
	op := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"text":"hello"}`), nil
	}

	first, err := l.ExecuteOnce(ctx, req, op)
	require.NoError(t, err)
	require.Equal(t, models.LedgerStatusSucceeded, first.Status)

	second, err := l.ExecuteOnce(ctx, req, op)
	require.NoError(t, err)
	require.JSONEq(t, string(first.Result), string(second.Result))
	require.Equal(t, int32(1), calls.Load())
}

func TestExecuteOnceConcurrentCallers(t *testing.T) {
	s := memory.NewStore()
	// two ledgers over one store behave like two processes
	ledgers := []*Ledger{
		New(s, Config{Owner: "worker-a", PollInterval: 5 * time.Millisecond}),
		New(s, Config{Owner: "worker-b", PollInterval: 5 * time.Millisecond}),
	}
	req := Request{Key: "shared", TaskID: uuid.Must(uuid.NewV7()), Kind: "draft"}

	var calls atomic.Int32
	release := make(chan struct{})
	op := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`"done"`), nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]*models.LedgerEntry, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = ledgers[i%2].ExecuteOnce(context.Background(), req, op)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		require.JSONEq(t, `"done"`, string(results[i].Result))
	}
}

func TestExecuteOnceFailedEntries(t *testing.T) {
	l := New(memory.NewStore(), Config{})
	ctx := context.Background()
	req := Request{Key: "k-fail", TaskID: uuid.Must(uuid.NewV7()), Kind: "draft"}

	var calls atomic.Int32
	failing := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return nil, apperr.New(apperr.KindTransientProvider, "rate limited")
	}

	entry, err := l.ExecuteOnce(ctx, req, failing)
	require.ErrorIs(t, err, apperr.ErrTransientProvider)
	require.Equal(t, models.LedgerStatusFailed, entry.Status)
	require.Equal(t, string(apperr.KindTransientProvider), entry.ErrorKind)

	// without RetryFailed the failure is replayed
	entry, err = l.ExecuteOnce(ctx, req, failing)
	require.ErrorIs(t, err, apperr.ErrTransientProvider)
	require.Equal(t, models.LedgerStatusFailed, entry.Status)
	require.Equal(t, int32(1), calls.Load())

	// RetryFailed re-runs the operation on the same key
	req.RetryFailed = true
	entry, err = l.ExecuteOnce(ctx, req, func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	require.Equal(t, models.LedgerStatusSucceeded, entry.Status)
	require.Equal(t, 2, entry.Attempts)
	require.Equal(t, int32(2), calls.Load())

	// a succeeded entry is never re-run, even with RetryFailed
	_, err = l.ExecuteOnce(ctx, req, failing)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestExecuteOnceTimeoutRecordedAsFailed(t *testing.T) {
	l := New(memory.NewStore(), Config{Lease: 20 * time.Millisecond})
	req := Request{Key: "k-slow", TaskID: uuid.Must(uuid.NewV7()), Kind: "draft"}

	entry, err := l.ExecuteOnce(context.Background(), req, func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, apperr.ErrTransientProvider)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, models.LedgerStatusFailed, entry.Status)

	stored, err := l.Get(context.Background(), req.Key)
	require.NoError(t, err)
	require.Equal(t, models.LedgerStatusFailed, stored.Status)
}

func TestExecuteOnceExpiredLease(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	req := Request{Key: "k-abandoned", TaskID: uuid.Must(uuid.NewV7()), Kind: "draft"}

	// an owner that claimed the key and then died
	_, claimed, err := s.Claim(ctx, store.ClaimRequest{
		Key:   req.Key,
		Owner: "crashed",
		Lease: 20 * time.Millisecond,
		Now:   time.Now(),
	})
	require.NoError(t, err)
	require.True(t, claimed)

	l := New(s, Config{PollInterval: 5 * time.Millisecond})
	var calls atomic.Int32
	op := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`"ok"`), nil
	}

	entry, err := l.ExecuteOnce(ctx, req, op)
	require.ErrorIs(t, err, apperr.ErrTransientProvider)
	require.Equal(t, store.LeaseExpiredMessage, entry.ErrorMessage)
	require.Zero(t, calls.Load())

	req.RetryFailed = true
	entry, err = l.ExecuteOnce(ctx, req, op)
	require.NoError(t, err)
	require.Equal(t, models.LedgerStatusSucceeded, entry.Status)
	require.Equal(t, int32(1), calls.Load())
}

func TestPurge(t *testing.T) {
	l := New(memory.NewStore(), Config{TTL: time.Hour})
	ctx := context.Background()
	now := time.Now()
	l.now = func() time.Time { return now }

	ok := func(ctx context.Context) (json.RawMessage, error) { return json.RawMessage(`true`), nil }

	_, err := l.ExecuteOnce(ctx, Request{Key: "ephemeral", Kind: "draft"}, ok)
	require.NoError(t, err)
	_, err = l.ExecuteOnce(ctx, Request{Key: "audit", Kind: "draft", AuditCritical: true}, ok)
	require.NoError(t, err)

	n, err := l.Purge(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	now = now.Add(2 * time.Hour)
	n, err = l.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = l.Get(ctx, "ephemeral")
	require.ErrorIs(t, err, store.ErrLedgerEntryNotFound)
	_, err = l.Get(ctx, "audit")
	require.NoError(t, err)
}

func TestExecuteOnceRequiresKey(t *testing.T) {
	l := New(memory.NewStore(), Config{})
	_, err := l.ExecuteOnce(context.Background(), Request{}, nil)
	require.ErrorIs(t, err, apperr.ErrValidation)
}
