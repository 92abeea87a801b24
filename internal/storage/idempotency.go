package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pushrelay/internal/model"
)

func (s *sqlStore) GetIdempotency(ctx context.Context, apiKeyID, key string) (model.IdempotencyRecord, error) {
	var (
		r                  model.IdempotencyRecord
		expires, createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, api_key_id, idem_key, notification_id, expires_at, created_at
		FROM idempotency_keys WHERE api_key_id = ? AND idem_key = ?`), apiKeyID, key,
	).Scan(&r.ID, &r.APIKeyID, &r.Key, &r.NotificationID, &expires, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return model.IdempotencyRecord{}, err
	}
	r.ExpiresAt = model.FromMillis(expires)
	r.CreatedAt = model.FromMillis(createdAt)
	return r, nil
}

func (s *sqlStore) CreateIdempotent(ctx context.Context, n model.Notification, rec model.IdempotencyRecord, expiredID string, admit func(context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if expiredID != "" {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM idempotency_keys WHERE id = ?`), expiredID); err != nil {
			return err
		}
	}
	// The record goes in first: a concurrent insert of the same pair waits on
	// it and then fails with ErrConflict, so admit only runs for the winner.
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO idempotency_keys(id, api_key_id, idem_key, notification_id, expires_at, created_at)
		VALUES(?,?,?,?,?,?)`),
		rec.ID, rec.APIKeyID, rec.Key, rec.NotificationID, model.Millis(rec.ExpiresAt), model.Millis(rec.CreatedAt),
	)
	if err != nil {
		if s.d.uniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	if admit != nil {
		if err := admit(ctx); err != nil {
			return err
		}
	}
	if err := s.insertNotification(ctx, tx, n); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM idempotency_keys WHERE expires_at <= ?`), model.Millis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
