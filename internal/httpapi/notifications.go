package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pushrelay/internal/ingest"
	"pushrelay/internal/model"
	"pushrelay/internal/query"
)

type sendBody struct {
	Channel        string         `json:"channel"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Category       string         `json:"category"`
	Priority       int            `json:"priority"`
	Tags           []string       `json:"tags"`
	Metadata       map[string]any `json:"metadata"`
	ClickURL       string         `json:"clickUrl"`
	Markdown       bool           `json:"markdown"`
	IdempotencyKey string         `json:"idempotencyKey"`
	SkipPush       bool           `json:"skipPush"`
}

type sendResponse struct {
	model.Notification
	Replay bool `json:"replay"`
}

func (s *Server) handleSend(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "body", "invalid JSON: "+err.Error())
		return
	}
	key := body.IdempotencyKey
	if h := strings.TrimSpace(c.GetHeader("Idempotency-Key")); h != "" {
		key = h
	}
	res, err := s.d.Ingest.Send(c.Request.Context(), principal(c), ingest.SendRequest{
		Channel:        body.Channel,
		Title:          body.Title,
		Body:           body.Body,
		Category:       body.Category,
		Priority:       body.Priority,
		Tags:           body.Tags,
		Metadata:       body.Metadata,
		ClickURL:       body.ClickURL,
		Markdown:       body.Markdown,
		IdempotencyKey: key,
		SkipPush:       body.SkipPush,
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	if res.Replayed() {
		c.Header("Idempotent-Replay", "true")
		c.JSON(http.StatusOK, sendResponse{Notification: res.Notification, Replay: true})
		return
	}
	c.JSON(http.StatusCreated, sendResponse{Notification: res.Notification})
}

func (s *Server) handleGet(c *gin.Context) {
	n, err := s.d.Store.GetNotification(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) handleList(c *gin.Context) {
	req, err := listRequest(c)
	if err != nil {
		s.abort(c, err)
		return
	}
	page, err := s.d.Query.Query(c.Request.Context(), req)
	if err != nil {
		s.abort(c, err)
		return
	}
	if page.Items == nil {
		page.Items = []model.Notification{}
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	var req query.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body", "invalid JSON: "+err.Error())
		return
	}
	n, err := s.d.Query.MarkRead(c.Request.Context(), req)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// listRequest decodes list query parameters.
func listRequest(c *gin.Context) (query.Request, error) {
	var ve model.ValidationError
	req := query.Request{
		Channel: c.Query("channel"),
		Cursor:  strings.TrimSpace(c.Query("cursor")),
		Sort:    c.Query("sort"),
		Order:   c.Query("order"),
	}
	req.Filter.Category = strings.TrimSpace(c.Query("category"))
	req.Filter.Tags = splitList(c.QueryArray("tags"))

	req.Limit = intParam(c, "limit", &ve)
	req.Page = intParam(c, "page", &ve)
	req.Filter.MinPriority = intParam(c, "min_priority", &ve)

	if v := strings.TrimSpace(c.Query("status")); v != "" {
		req.Filter.Status = model.Status(strings.ToLower(v))
	}
	if v := strings.TrimSpace(c.Query("unread")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			ve.Add("unread", "must be a boolean")
		}
		req.Filter.UnreadOnly = b
	}
	if v := strings.TrimSpace(c.Query("since")); v != "" {
		t, err := parseTime(v)
		if err != nil {
			ve.Add("since", "use RFC 3339 or unix milliseconds")
		} else {
			req.Filter.Since = &t
		}
	}
	if err := ve.Err(); err != nil {
		return query.Request{}, err
	}
	return req, nil
}

func intParam(c *gin.Context, name string, ve *model.ValidationError) int {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		ve.Add(name, "must be a non-negative integer")
		return 0
	}
	return n
}

func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return model.FromMillis(ms), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
