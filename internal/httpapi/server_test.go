package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushrelay/internal/collab/auth"
	"pushrelay/internal/collab/ratelimit"
	"pushrelay/internal/cursor"
	"pushrelay/internal/dispatch"
	"pushrelay/internal/eventbus"
	"pushrelay/internal/gateway"
	"pushrelay/internal/ingest"
	"pushrelay/internal/model"
	"pushrelay/internal/query"
	"pushrelay/internal/storage"
	"pushrelay/internal/stream"
	logx "pushrelay/pkg/logx"
)

const (
	adminToken  = "prk_admin"
	pubToken    = "prk_publisher"
	readToken   = "prk_reader"
	tightToken  = "prk_tight"
	pushTimeout = 80 * time.Millisecond
)

type fixture struct {
	h     http.Handler
	store storage.Store
}

func newFixture(t *testing.T, gw gateway.Func) fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.CreateChannel(ctx, model.Channel{ID: "ch1", Name: "alerts", Topic: "alerts-topic"}))

	keys := []model.APIKey{
		{ID: "k-admin", Name: "admin", TokenHash: auth.HashToken(adminToken), Permissions: []string{model.PermAdmin}},
		{ID: "k-pub", Name: "ci", TokenHash: auth.HashToken(pubToken), Permissions: []string{model.PermPublish, model.PermRead}},
		{ID: "k-read", Name: "dash", TokenHash: auth.HashToken(readToken), Permissions: []string{model.PermRead}},
		{ID: "k-tight", Name: "tight", TokenHash: auth.HashToken(tightToken), Permissions: []string{model.PermPublish}, RateLimit: 1},
	}
	for _, k := range keys {
		k.CreatedAt = time.Now()
		require.NoError(t, st.CreateAPIKey(ctx, k))
	}

	bus := eventbus.New()
	d := dispatch.New(dispatch.Config{Timeout: pushTimeout}, gw, st, bus, logx.Nop())
	svc := ingest.NewService(ingest.Config{}, ingest.Deps{
		Guard:      ingest.NewGuard(st, time.Hour, logx.Nop()),
		Channels:   st,
		Dispatcher: d,
		Limiter:    ratelimit.NewMemory(),
		Bus:        bus,
	})
	q := query.New(st)
	ss := stream.NewServer(stream.Config{PollInterval: 20 * time.Millisecond, Heartbeat: time.Hour, MaxDuration: 200 * time.Millisecond}, q, bus, logx.Nop())

	srv := New(Config{}, Deps{
		Ingest: svc,
		Query:  q,
		Stream: ss,
		Store:  st,
		Auth:   auth.NewStoreValidator(st),
	})
	return fixture{h: srv.Handler(), store: st}
}

func (f fixture) do(t *testing.T, method, path, token string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

type notificationJSON struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	DeliveryError *string `json:"deliveryError"`
	RetryCount    int     `json:"retryCount"`
	Replay        bool    `json:"replay"`
	ReadAt        *string `json:"readAt"`
}

type errorJSON struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func okGateway(context.Context, gateway.Message) error { return nil }

func TestSendCreatedThenReplay(t *testing.T) {
	f := newFixture(t, okGateway)
	body := map[string]any{"channel": "alerts", "title": "deploy", "idempotencyKey": "X"}

	w := f.do(t, http.MethodPost, "/v1/notifications", pubToken, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[notificationJSON](t, w)
	assert.Equal(t, "delivered", first.Status)
	assert.False(t, first.Replay)
	assert.Empty(t, w.Header().Get("Idempotent-Replay"))

	w = f.do(t, http.MethodPost, "/v1/notifications", pubToken, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode[notificationJSON](t, w)
	assert.True(t, second.Replay)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replay"))
	assert.Equal(t, first.ID, second.ID)
}

func TestIdempotencyKeyHeader(t *testing.T) {
	f := newFixture(t, okGateway)
	body := map[string]any{"channel": "alerts", "title": "t"}
	a := decode[notificationJSON](t, f.do(t, http.MethodPost, "/v1/notifications", pubToken, body, "Idempotency-Key", "H1"))
	w := f.do(t, http.MethodPost, "/v1/notifications", pubToken, body, "Idempotency-Key", "H1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, a.ID, decode[notificationJSON](t, w).ID)
}

func TestSendUnreachableGatewayFailsWithTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := newFixture(t, func(context.Context, gateway.Message) error {
		<-release
		return nil
	})

	start := time.Now()
	w := f.do(t, http.MethodPost, "/v1/notifications", pubToken, map[string]any{"channel": "alerts", "title": "hang"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Less(t, time.Since(start), 2*time.Second)

	n := decode[notificationJSON](t, w)
	assert.Equal(t, "failed", n.Status)
	require.NotNil(t, n.DeliveryError)
	assert.Contains(t, *n.DeliveryError, "timeout")
	assert.Zero(t, n.RetryCount)
}

func TestAuthErrors(t *testing.T) {
	f := newFixture(t, okGateway)
	body := map[string]any{"channel": "alerts", "title": "x"}

	w := f.do(t, http.MethodPost, "/v1/notifications", "", body)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode[errorJSON](t, w).Error.Code)

	w = f.do(t, http.MethodPost, "/v1/notifications", "prk_nope", body)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/v1/notifications", readToken, body)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode[errorJSON](t, w).Error.Code)

	w = f.do(t, http.MethodPost, "/v1/channels", pubToken, map[string]any{"name": "x"})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, okGateway)

	w := f.do(t, http.MethodPost, "/v1/notifications", pubToken, map[string]any{"channel": "alerts"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	e := decode[errorJSON](t, w)
	assert.Equal(t, "validation_failed", e.Error.Code)
	assert.Contains(t, e.Error.Fields, "title")

	w = f.do(t, http.MethodPost, "/v1/notifications", pubToken, map[string]any{"channel": "nope", "title": "x"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[errorJSON](t, w).Error.Fields, "channel")

	w = f.do(t, http.MethodGet, "/v1/notifications?limit=abc", readToken, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[errorJSON](t, w).Error.Fields, "limit")

	w = f.do(t, http.MethodGet, "/v1/notifications?cursor=1_a&sort=priority", readToken, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, okGateway)
	body := map[string]any{"channel": "alerts", "title": "x"}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/notifications", tightToken, body).Code)

	w := f.do(t, http.MethodPost, "/v1/notifications", tightToken, body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode[errorJSON](t, w).Error.Code)
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, secs, 1)
}

func TestListSinceAfterCursorIsEmpty(t *testing.T) {
	f := newFixture(t, okGateway)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/notifications", pubToken,
			map[string]any{"channel": "alerts", "title": "n" + strconv.Itoa(i)}).Code)
	}
	t1 := time.Now().Add(-time.Minute)
	t0 := t1.Add(-time.Hour)
	path := "/v1/notifications?order=asc&since=" + strconv.FormatInt(t1.UnixMilli(), 10) +
		"&cursor=" + cursor.New(t0, "x").Token()

	w := f.do(t, http.MethodGet, path, readToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[struct {
		Items []notificationJSON `json:"items"`
	}](t, w)
	assert.Empty(t, page.Items)

	w = f.do(t, http.MethodGet, "/v1/notifications?limit=2", readToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	off := decode[struct {
		Items      []notificationJSON `json:"items"`
		Total      int                `json:"total"`
		TotalPages int                `json:"totalPages"`
		NextCursor string             `json:"nextCursor"`
	}](t, w)
	assert.Len(t, off.Items, 2)
	assert.Equal(t, 3, off.Total)
	assert.Equal(t, 2, off.TotalPages)
	assert.NotEmpty(t, off.NextCursor)
}

func TestGetAndMarkRead(t *testing.T) {
	f := newFixture(t, okGateway)
	n := decode[notificationJSON](t, f.do(t, http.MethodPost, "/v1/notifications", pubToken,
		map[string]any{"channel": "alerts", "title": "r"}))

	w := f.do(t, http.MethodGet, "/v1/notifications/"+n.ID, readToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode[notificationJSON](t, w).ReadAt)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/notifications/missing", readToken, nil).Code)

	w = f.do(t, http.MethodPost, "/v1/notifications/read", readToken, map[string]any{"ids": []string{n.ID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"updated":1}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/notifications/read", readToken, map[string]any{"ids": []string{n.ID}})
	assert.JSONEq(t, `{"updated":0}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/notifications/read", readToken, map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/notifications?unread=true", readToken, nil)
	page := decode[struct {
		Items []notificationJSON `json:"items"`
	}](t, w)
	assert.Empty(t, page.Items)
}

func TestChannels(t *testing.T) {
	f := newFixture(t, okGateway)
	w := f.do(t, http.MethodPost, "/v1/channels", adminToken, map[string]any{"name": "Builds", "topic": "b"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"name":"builds"`)

	w = f.do(t, http.MethodPost, "/v1/channels", adminToken, map[string]any{"name": "builds"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/v1/channels", adminToken, map[string]any{"name": "bad name"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/channels", readToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Items []model.Channel `json:"items"`
	}](t, w)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "alerts", list.Items[0].Name)
	assert.Equal(t, "builds", list.Items[1].Name)
}

func TestStreamResumesOverSSE(t *testing.T) {
	f := newFixture(t, okGateway)
	var ids []string
	for i := 0; i < 3; i++ {
		n := decode[notificationJSON](t, f.do(t, http.MethodPost, "/v1/notifications", pubToken,
			map[string]any{"channel": "alerts", "title": "s" + strconv.Itoa(i)}))
		ids = append(ids, n.ID)
	}
	first, err := f.store.GetNotification(context.Background(), ids[0])
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/stream?channel=alerts", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: readToken})
	req.Header.Set("Last-Event-ID", cursor.Of(first).Token())
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	out := w.Body.String()
	assert.True(t, strings.HasPrefix(out, "event: connected\n"), out)
	assert.NotContains(t, out, `"id":"`+ids[0]+`"`)
	assert.Equal(t, 1, strings.Count(out, `"id":"`+ids[1]+`"`))
	assert.Equal(t, 1, strings.Count(out, `"id":"`+ids[2]+`"`))
	assert.Less(t, strings.Index(out, ids[1]), strings.Index(out, ids[2]))
	assert.Contains(t, out, "event: close\ndata: {\"reason\":\"timeout\"}")
}

func TestStreamRequiresAuth(t *testing.T) {
	f := newFixture(t, okGateway)
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, okGateway)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
