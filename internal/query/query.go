// Package query is the read side: compound-cursor and offset pagination over
// notifications, the ascending scan used by streams, and mark-read.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pushrelay/internal/cursor"
	"pushrelay/internal/model"
	"pushrelay/internal/storage"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	MaxReadIDs   = 500
)

const (
	SortCreatedAt = "created_at"
	SortPriority  = "priority"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

type Store interface {
	ListNotifications(ctx context.Context, q storage.ListQuery) ([]model.Notification, error)
	CountNotifications(ctx context.Context, f model.Filter) (int64, error)
	MarkRead(ctx context.Context, sel storage.ReadSelector, at time.Time) (int64, error)
	ChannelByName(ctx context.Context, name string) (model.Channel, error)
}

// Request is a list call. Channel is a name and overrides Filter.ChannelID.
// A non-empty Cursor selects cursor mode and Page is ignored.
type Request struct {
	Filter  model.Filter
	Channel string
	Cursor  string
	Page    int
	Limit   int
	Sort    string
	Order   string
}

// Page is a list result. Offset mode fills Page/Total/TotalPages.
type Page struct {
	Items      []model.Notification `json:"items"`
	NextCursor string               `json:"nextCursor,omitempty"`
	Page       int                  `json:"page,omitempty"`
	Total      *int64               `json:"total,omitempty"`
	TotalPages *int                 `json:"totalPages,omitempty"`
}

type Layer struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Layer {
	return &Layer{store: store, now: time.Now}
}

// Query runs a list request in cursor or offset mode.
func (l *Layer) Query(ctx context.Context, req Request) (Page, error) {
	var ve model.ValidationError

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	sortBy := strings.ToLower(strings.TrimSpace(req.Sort))
	if sortBy == "" {
		sortBy = SortCreatedAt
	}
	if sortBy != SortCreatedAt && sortBy != SortPriority {
		ve.Add("sort", "must be created_at or priority")
	}
	order := strings.ToLower(strings.TrimSpace(req.Order))
	if order == "" {
		order = OrderDesc
	}
	if order != OrderAsc && order != OrderDesc {
		ve.Add("order", "must be asc or desc")
	}

	var cur *cursor.Cursor
	if tok := strings.TrimSpace(req.Cursor); tok != "" {
		c, err := cursor.Parse(tok)
		if err != nil {
			ve.Add("cursor", "malformed cursor")
		} else {
			cur = &c
		}
		if sortBy == SortPriority {
			ve.Add("sort", "cursor pagination requires sort=created_at")
		}
	}
	if req.Filter.MinPriority != 0 && (req.Filter.MinPriority < model.MinPriority || req.Filter.MinPriority > model.MaxPriority) {
		ve.Add("minPriority", fmt.Sprintf("must be between %d and %d", model.MinPriority, model.MaxPriority))
	}
	if req.Filter.Status != "" && !req.Filter.Status.Valid() {
		ve.Add("status", "unknown status")
	}
	if err := ve.Err(); err != nil {
		return Page{}, err
	}

	f := req.Filter
	if name := strings.TrimSpace(req.Channel); name != "" {
		ch, err := l.store.ChannelByName(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			return Page{}, model.NewValidationError("channel", fmt.Sprintf("unknown channel %q", name))
		}
		if err != nil {
			return Page{}, err
		}
		f.ChannelID = ch.ID
	}
	desc := order == OrderDesc

	if cur != nil {
		return l.cursorPage(ctx, f, *cur, desc, limit)
	}
	return l.offsetPage(ctx, f, req.Page, desc, sortBy == SortPriority, limit)
}

func (l *Layer) cursorPage(ctx context.Context, f model.Filter, cur cursor.Cursor, desc bool, limit int) (Page, error) {
	// A resume point below the since floor is outside the filtered range.
	if f.Since != nil && cur.TS < model.Millis(*f.Since) {
		return Page{Items: []model.Notification{}}, nil
	}
	rows, err := l.store.ListNotifications(ctx, storage.ListQuery{Filter: f, After: &cur, Desc: desc, Limit: limit + 1})
	if err != nil {
		return Page{}, err
	}
	p := Page{Items: rows}
	if len(rows) > limit {
		p.Items = rows[:limit]
		p.NextCursor = cursor.Of(p.Items[limit-1]).Token()
	}
	return p, nil
}

func (l *Layer) offsetPage(ctx context.Context, f model.Filter, page int, desc, byPriority bool, limit int) (Page, error) {
	if page <= 0 {
		page = 1
	}
	total, err := l.store.CountNotifications(ctx, f)
	if err != nil {
		return Page{}, err
	}
	rows, err := l.store.ListNotifications(ctx, storage.ListQuery{
		Filter:       f,
		Desc:         desc,
		SortPriority: byPriority,
		Limit:        limit,
		Offset:       (page - 1) * limit,
	})
	if err != nil {
		return Page{}, err
	}
	pages := int((total + int64(limit) - 1) / int64(limit))
	p := Page{Items: rows, Page: page, Total: &total, TotalPages: &pages}
	// The first page also seeds cursor mode for callers that switch over.
	if page == 1 && !byPriority && int64(len(rows)) < total && len(rows) > 0 {
		p.NextCursor = cursor.Of(rows[len(rows)-1]).Token()
	}
	return p, nil
}

// Scan returns up to limit rows strictly after cur in ascending (createdAt, id)
// order. With a nil cursor it starts at the filter's since floor.
func (l *Layer) Scan(ctx context.Context, f model.Filter, cur *cursor.Cursor, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = MaxLimit
	}
	if cur != nil && f.Since != nil && cur.TS < model.Millis(*f.Since) {
		return nil, nil
	}
	return l.store.ListNotifications(ctx, storage.ListQuery{Filter: f, After: cur, Limit: limit})
}

// MarkReadRequest selects rows to mark read. Selectors combine with AND.
type MarkReadRequest struct {
	IDs     []string   `json:"ids"`
	Before  *time.Time `json:"before"`
	Channel string     `json:"channel"`
}

// MarkRead sets readAt on matching unread rows and returns how many changed.
func (l *Layer) MarkRead(ctx context.Context, req MarkReadRequest) (int64, error) {
	sel := storage.ReadSelector{Before: req.Before}
	for _, id := range req.IDs {
		if id = strings.TrimSpace(id); id != "" {
			sel.IDs = append(sel.IDs, id)
		}
	}
	if len(sel.IDs) > MaxReadIDs {
		return 0, model.NewValidationError("ids", fmt.Sprintf("at most %d ids", MaxReadIDs))
	}
	if name := strings.TrimSpace(req.Channel); name != "" {
		ch, err := l.store.ChannelByName(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			return 0, model.NewValidationError("channel", fmt.Sprintf("unknown channel %q", name))
		}
		if err != nil {
			return 0, err
		}
		sel.ChannelID = ch.ID
	}
	if sel.Empty() {
		return 0, model.NewValidationError("ids", "at least one of ids, before or channel is required")
	}
	return l.store.MarkRead(ctx, sel, model.Truncate(l.now()))
}
