package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

const ledgerColumns = `key, task_id, kind, status, owner, lease_until, attempts,
	result, error_kind, error_message, expires_at, created_at, updated_at`

// Claim implements store.LedgerStore. The entry row is locked for the
// duration of the decision so two claimants never both win.
func (s *Store) Claim(ctx context.Context, req store.ClaimRequest) (*models.LedgerEntry, bool, error) {
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}

	var (
		entry   *models.LedgerEntry
		claimed bool
	)
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (key, task_id, kind, status, owner, lease_until, attempts, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, 'in_flight', $4, $5, 1, $6, $7, $7)
			ON CONFLICT (key) DO NOTHING
		`, req.Key, req.TaskID, req.Kind, req.Owner, now.Add(req.Lease), req.ExpiresAt(), now)
		if err != nil {
			return mapPostgresError(err)
		}

		entry, err = scanEntry(tx.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE key = $1 FOR UPDATE`, req.Key))
		if err != nil {
			return mapPostgresError(err)
		}
		if result.RowsAffected() == 1 {
			claimed = true
			return nil
		}

		switch {
		case entry.Done() && entry.Expired(now):
			entry = &models.LedgerEntry{
				Key:        req.Key,
				TaskID:     req.TaskID,
				Kind:       req.Kind,
				Status:     models.LedgerStatusInFlight,
				Owner:      req.Owner,
				LeaseUntil: now.Add(req.Lease),
				Attempts:   entry.Attempts + 1,
				ExpiresAt:  req.ExpiresAt(),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			claimed = true
			return saveEntry(ctx, tx, entry)

		case entry.Status == models.LedgerStatusInFlight && !now.Before(entry.LeaseUntil):
			entry.Status = models.LedgerStatusFailed
			entry.ErrorKind = string(apperr.KindTransientProvider)
			entry.ErrorMessage = store.LeaseExpiredMessage
			entry.UpdatedAt = now
			log.Warn().Str("key", entry.Key).Str("owner", entry.Owner).Msg("Ledger lease expired")
		}

		if entry.Status == models.LedgerStatusFailed && req.RetryFailed {
			entry.Status = models.LedgerStatusInFlight
			entry.Owner = req.Owner
			entry.LeaseUntil = now.Add(req.Lease)
			entry.Attempts++
			entry.Result = nil
			entry.ErrorKind = ""
			entry.ErrorMessage = ""
			entry.UpdatedAt = now
			claimed = true
		}
		return saveEntry(ctx, tx, entry)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim ledger key %s: %w", req.Key, err)
	}
	return entry, claimed, nil
}

func saveEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		UPDATE ledger_entries SET
			task_id = $2,
			kind = $3,
			status = $4,
			owner = $5,
			lease_until = $6,
			attempts = $7,
			result = $8,
			error_kind = $9,
			error_message = $10,
			expires_at = $11,
			created_at = $12,
			updated_at = $13
		WHERE key = $1
	`,
		e.Key,
		e.TaskID,
		e.Kind,
		e.Status,
		e.Owner,
		e.LeaseUntil,
		e.Attempts,
		nullJSON(e.Result),
		e.ErrorKind,
		e.ErrorMessage,
		e.ExpiresAt,
		e.CreatedAt,
		e.UpdatedAt,
	)
	return mapPostgresError(err)
}

// Complete implements store.LedgerStore.
func (s *Store) Complete(ctx context.Context, key, owner string, result json.RawMessage) (*models.LedgerEntry, error) {
	return s.finish(ctx, key, owner, `
		UPDATE ledger_entries SET status = 'succeeded', result = $3, updated_at = $4
		WHERE key = $1 AND owner = $2 AND status = 'in_flight'
		RETURNING `+ledgerColumns,
		nullJSON(result), s.now())
}

// Fail implements store.LedgerStore.
func (s *Store) Fail(ctx context.Context, key, owner string, kind apperr.Kind, message string) (*models.LedgerEntry, error) {
	return s.finish(ctx, key, owner, `
		UPDATE ledger_entries SET status = 'failed', error_kind = $3, error_message = $4, updated_at = $5
		WHERE key = $1 AND owner = $2 AND status = 'in_flight'
		RETURNING `+ledgerColumns,
		string(kind), message, s.now())
}

// finish applies a conditional terminal update. A miss is reported as
// ErrLedgerEntryNotFound or ErrLeaseLost depending on whether the key exists.
func (s *Store) finish(ctx context.Context, key, owner, query string, args ...any) (*models.LedgerEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry, err := scanEntry(s.pool.QueryRow(ctx, query, append([]any{key, owner}, args...)...))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to finish ledger key %s: %w", key, mapPostgresError(err))
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE key = $1)`, key).Scan(&exists); err != nil {
		return nil, mapPostgresError(err)
	}
	if !exists {
		return nil, store.ErrLedgerEntryNotFound
	}
	return nil, store.ErrLeaseLost
}

// GetEntry implements store.LedgerStore.
func (s *Store) GetEntry(ctx context.Context, key string) (*models.LedgerEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrLedgerEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", mapPostgresError(err))
	}
	return entry, nil
}

// PurgeExpired implements store.LedgerStore.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.pool.Exec(ctx, `
		DELETE FROM ledger_entries
		WHERE status <> 'in_flight' AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge ledger: %w", mapPostgresError(err))
	}
	return result.RowsAffected(), nil
}

func scanEntry(row scanner) (*models.LedgerEntry, error) {
	var (
		e      models.LedgerEntry
		result []byte
	)
	err := row.Scan(
		&e.Key,
		&e.TaskID,
		&e.Kind,
		&e.Status,
		&e.Owner,
		&e.LeaseUntil,
		&e.Attempts,
		&result,
		&e.ErrorKind,
		&e.ErrorMessage,
		&e.ExpiresAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		e.Result = json.RawMessage(result)
	}
	return &e, nil
}
