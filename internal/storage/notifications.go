package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"pushrelay/internal/model"
)

const notificationCols = `n.id, n.api_key_id, n.channel_id, COALESCE(c.name, ''), n.title, n.body,
	n.category, n.tags, n.priority, n.metadata, n.click_url, n.markdown,
	n.status, n.delivered_at, n.delivery_error, n.retry_count, n.gave_up_at,
	n.read_at, n.created_at, n.updated_at`

const notificationFrom = ` FROM notifications n LEFT JOIN channels c ON c.id = n.channel_id`

func scanNotification(r rowScanner) (model.Notification, error) {
	var (
		n                                  model.Notification
		category, meta, clickURL, delivErr sql.NullString
		tagsJSON, status                   string
		markdown                           int
		deliveredAt, gaveUpAt, readAt      sql.NullInt64
		createdAt, updatedAt               int64
	)
	err := r.Scan(
		&n.ID, &n.APIKeyID, &n.ChannelID, &n.ChannelName, &n.Title, &n.Body,
		&category, &tagsJSON, &n.Priority, &meta, &clickURL, &markdown,
		&status, &deliveredAt, &delivErr, &n.RetryCount, &gaveUpAt,
		&readAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Notification{}, err
	}
	n.Category = category.String
	n.ClickURL = clickURL.String
	n.Markdown = markdown != 0
	n.Status = model.Status(status)
	n.DeliveredAt = fromNullMillis(deliveredAt)
	n.GaveUpAt = fromNullMillis(gaveUpAt)
	n.ReadAt = fromNullMillis(readAt)
	n.CreatedAt = model.FromMillis(createdAt)
	n.UpdatedAt = model.FromMillis(updatedAt)
	if delivErr.Valid {
		v := delivErr.String
		n.DeliveryError = &v
	}
	n.Tags = []string{}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil {
			return model.Notification{}, fmt.Errorf("decode tags of %s: %w", n.ID, err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &n.Metadata); err != nil {
			return model.Notification{}, fmt.Errorf("decode metadata of %s: %w", n.ID, err)
		}
	}
	return n, nil
}

// uniqueTags trims, drops empties and dedupes while keeping first-seen order.
func uniqueTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (s *sqlStore) insertNotification(ctx context.Context, ex execer, n model.Notification) error {
	tags := uniqueTags(n.Tags)
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	var meta any
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(b)
	}
	markdown := 0
	if n.Markdown {
		markdown = 1
	}
	_, err = ex.ExecContext(ctx, s.q(`INSERT INTO notifications(
		id, api_key_id, channel_id, title, body, category, tags, priority, metadata,
		click_url, markdown, status, delivered_at, delivery_error, retry_count,
		gave_up_at, read_at, created_at, updated_at
	) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		n.ID, n.APIKeyID, n.ChannelID, n.Title, n.Body, nullStr(n.Category), string(tagsJSON),
		n.Priority, meta, nullStr(n.ClickURL), markdown, string(n.Status),
		nullMillis(n.DeliveredAt), nullStrPtr(n.DeliveryError), n.RetryCount,
		nullMillis(n.GaveUpAt), nullMillis(n.ReadAt),
		model.Millis(n.CreatedAt), model.Millis(n.UpdatedAt),
	)
	if err != nil {
		if s.d.uniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	for _, t := range tags {
		if _, err := ex.ExecContext(ctx, s.q(`INSERT INTO notification_tags(notification_id, tag) VALUES(?,?)`), n.ID, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) CreateNotification(ctx context.Context, n model.Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.insertNotification(ctx, tx, n); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) GetNotification(ctx context.Context, id string) (model.Notification, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+notificationCols+notificationFrom+` WHERE n.id = ?`), id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Notification{}, ErrNotFound
	}
	return n, err
}

func (s *sqlStore) UpdateDelivery(ctx context.Context, n model.Notification, incrementRetry bool) error {
	query := `UPDATE notifications SET status = ?, delivered_at = ?, delivery_error = ?, updated_at = ?`
	if incrementRetry {
		query += `, retry_count = retry_count + 1`
	}
	query += ` WHERE id = ?`
	return rowsAffected(s.db.ExecContext(ctx, s.q(query),
		string(n.Status), nullMillis(n.DeliveredAt), nullStrPtr(n.DeliveryError), model.Millis(n.UpdatedAt), n.ID,
	))
}

// filterClause renders f as " AND ..." conditions over alias n.
func filterClause(f model.Filter) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	if f.ChannelID != "" {
		b.WriteString(` AND n.channel_id = ?`)
		args = append(args, f.ChannelID)
	}
	if f.Category != "" {
		b.WriteString(` AND n.category = ?`)
		args = append(args, f.Category)
	}
	if f.MinPriority > 0 {
		b.WriteString(` AND n.priority >= ?`)
		args = append(args, f.MinPriority)
	}
	if f.Status != "" {
		b.WriteString(` AND n.status = ?`)
		args = append(args, string(f.Status))
	}
	if f.UnreadOnly {
		b.WriteString(` AND n.read_at IS NULL`)
	}
	if f.Since != nil {
		b.WriteString(` AND n.created_at > ?`)
		args = append(args, model.Millis(*f.Since))
	}
	if tags := uniqueTags(f.Tags); len(tags) > 0 {
		b.WriteString(` AND (SELECT COUNT(*) FROM notification_tags t WHERE t.notification_id = n.id AND t.tag IN (`)
		b.WriteString(placeholders(len(tags)))
		b.WriteString(`)) = ?`)
		for _, t := range tags {
			args = append(args, t)
		}
		args = append(args, len(tags))
	}
	return b.String(), args
}

func (s *sqlStore) ListNotifications(ctx context.Context, lq ListQuery) ([]model.Notification, error) {
	where, args := filterClause(lq.Filter)
	if lq.After != nil {
		op := ">"
		if lq.Desc {
			op = "<"
		}
		where += fmt.Sprintf(` AND (n.created_at %s ? OR (n.created_at = ? AND n.id %s ?))`, op, op)
		args = append(args, lq.After.TS, lq.After.TS, lq.After.ID)
	}
	dir := "ASC"
	if lq.Desc {
		dir = "DESC"
	}
	order := fmt.Sprintf(` ORDER BY n.created_at %s, n.id %s`, dir, dir)
	if lq.SortPriority {
		order = fmt.Sprintf(` ORDER BY n.priority %s, n.created_at %s, n.id %s`, dir, dir, dir)
	}
	limit := lq.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + notificationCols + notificationFrom + ` WHERE 1=1` + where + order + ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(lq.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountNotifications(ctx context.Context, f model.Filter) (int64, error) {
	where, args := filterClause(f)
	var total int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM notifications n WHERE 1=1`+where), args...).Scan(&total)
	return total, err
}

func (s *sqlStore) MarkRead(ctx context.Context, sel ReadSelector, at time.Time) (int64, error) {
	if sel.Empty() {
		return 0, errors.New("mark read: empty selector")
	}
	query := `UPDATE notifications SET read_at = ? WHERE read_at IS NULL`
	args := []any{model.Millis(at)}
	if len(sel.IDs) > 0 {
		query += ` AND id IN (` + placeholders(len(sel.IDs)) + `)`
		for _, id := range sel.IDs {
			args = append(args, id)
		}
	}
	if sel.Before != nil {
		query += ` AND created_at < ?`
		args = append(args, model.Millis(*sel.Before))
	}
	if sel.ChannelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, sel.ChannelID)
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) GiveUp(ctx context.Context, maxAttempts int, cutoff, now time.Time) (int64, error) {
	nowMs := model.Millis(now)
	var total int64

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE notifications
		SET gave_up_at = ?, updated_at = ?,
		    delivery_error = CAST(? AS TEXT) || COALESCE(delivery_error, 'unknown')
		WHERE status = 'failed' AND gave_up_at IS NULL AND retry_count >= ?`),
		nowMs, nowMs, fmt.Sprintf("gave up after %d attempts: ", maxAttempts), maxAttempts,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	total += n

	res, err = s.db.ExecContext(ctx, s.q(`UPDATE notifications
		SET gave_up_at = ?, updated_at = ?,
		    delivery_error = CAST(? AS TEXT) || COALESCE(delivery_error, 'unknown')
		WHERE status = 'failed' AND gave_up_at IS NULL AND created_at <= ?`),
		nowMs, nowMs, "gave up: retry window expired: ", model.Millis(cutoff),
	)
	if err != nil {
		return total, err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return total, err
	}
	return total + n, nil
}

func (s *sqlStore) RetryCandidates(ctx context.Context, maxAttempts int, cutoff time.Time, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+notificationCols+notificationFrom+`
		WHERE n.status = 'failed' AND n.gave_up_at IS NULL AND n.retry_count < ? AND n.created_at > ?
		ORDER BY n.created_at ASC, n.id ASC LIMIT ?`),
		maxAttempts, model.Millis(cutoff), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqlStore) ClaimRetry(ctx context.Context, n model.Notification, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE notifications SET updated_at = ?
		WHERE id = ? AND status = 'failed' AND gave_up_at IS NULL AND retry_count = ? AND updated_at = ?`),
		model.Millis(now), n.ID, n.RetryCount, model.Millis(n.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
