package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"pushrelay/internal/model"
)

func (s *sqlStore) CreateAPIKey(ctx context.Context, k model.APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO api_keys(id, name, token_hash, permissions, rate_limit, created_at, expires_at, revoked_at)
		VALUES(?,?,?,?,?,?,?,?)`),
		k.ID, k.Name, k.TokenHash, strings.Join(k.Permissions, ","), k.RateLimit,
		model.Millis(k.CreatedAt), nullMillis(k.ExpiresAt), nullMillis(k.RevokedAt),
	)
	if err != nil && s.d.uniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlStore) APIKeyByTokenHash(ctx context.Context, hash string) (model.APIKey, error) {
	var (
		k                  model.APIKey
		perms              string
		created            int64
		expires, revokedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, token_hash, permissions, rate_limit, created_at, expires_at, revoked_at
		FROM api_keys WHERE token_hash = ?`), hash,
	).Scan(&k.ID, &k.Name, &k.TokenHash, &perms, &k.RateLimit, &created, &expires, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.APIKey{}, ErrNotFound
	}
	if err != nil {
		return model.APIKey{}, err
	}
	for _, p := range strings.Split(perms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			k.Permissions = append(k.Permissions, p)
		}
	}
	k.CreatedAt = model.FromMillis(created)
	k.ExpiresAt = fromNullMillis(expires)
	k.RevokedAt = fromNullMillis(revokedAt)
	return k, nil
}

func (s *sqlStore) RevokeAPIKey(ctx context.Context, name string, at time.Time) error {
	return rowsAffected(s.db.ExecContext(ctx, s.q(`UPDATE api_keys SET revoked_at = ? WHERE name = ? AND revoked_at IS NULL`),
		model.Millis(at), name))
}
