// Package cursor implements the compound (createdAt, id) ordering key shared by
// paginated list reads and stream resume tokens.
package cursor

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"pushrelay/internal/model"
)

var ErrMalformed = errors.New("malformed cursor")

// Cursor is a position in the (createdAt, id) total order.
// TS is Unix milliseconds.
type Cursor struct {
	TS int64
	ID string
}

func New(at time.Time, id string) Cursor { return Cursor{TS: at.UnixMilli(), ID: id} }

// Beyond returns a cursor that sorts after every row created at or before at.
func Beyond(at time.Time) Cursor { return Cursor{TS: at.UnixMilli() + 1} }

// Of returns the cursor pointing at n.
func Of(n model.Notification) Cursor { return New(n.CreatedAt, n.ID) }

func (c Cursor) IsZero() bool { return c.TS == 0 && c.ID == "" }

func (c Cursor) Time() time.Time { return model.FromMillis(c.TS) }

// Token serializes the cursor as "{timestamp}_{id}".
func (c Cursor) Token() string {
	return strconv.FormatInt(c.TS, 10) + "_" + c.ID
}

func (c Cursor) String() string { return c.Token() }

// After reports whether c sorts strictly after o.
func (c Cursor) After(o Cursor) bool {
	if c.TS != o.TS {
		return c.TS > o.TS
	}
	return c.ID > o.ID
}

// Parse decodes a "{timestamp}_{id}" token.
func Parse(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	i := strings.IndexByte(token, '_')
	if i <= 0 || i == len(token)-1 {
		return Cursor{}, ErrMalformed
	}
	ts, err := strconv.ParseInt(token[:i], 10, 64)
	if err != nil || ts < 0 {
		return Cursor{}, ErrMalformed
	}
	id := token[i+1:]
	if strings.ContainsAny(id, " \t\r\n") {
		return Cursor{}, ErrMalformed
	}
	return Cursor{TS: ts, ID: id}, nil
}
