package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"pushrelay/internal/model"
)

func scanChannel(r rowScanner) (model.Channel, error) {
	var (
		c       model.Channel
		topic   sql.NullString
		created int64
	)
	if err := r.Scan(&c.ID, &c.Name, &topic, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Channel{}, ErrNotFound
		}
		return model.Channel{}, err
	}
	c.Topic = topic.String
	c.CreatedAt = model.FromMillis(created)
	return c, nil
}

func (s *sqlStore) CreateChannel(ctx context.Context, c model.Channel) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO channels(id, name, topic, created_at) VALUES(?,?,?,?)`),
		c.ID, strings.TrimSpace(c.Name), nullStr(c.Topic), model.Millis(c.CreatedAt))
	if err != nil && s.d.uniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlStore) ChannelByName(ctx context.Context, name string) (model.Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx, s.q(`SELECT id, name, topic, created_at FROM channels WHERE name = ?`), strings.TrimSpace(name)))
}

func (s *sqlStore) ChannelByID(ctx context.Context, id string) (model.Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx, s.q(`SELECT id, name, topic, created_at FROM channels WHERE id = ?`), id))
}

func (s *sqlStore) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, topic, created_at FROM channels ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
