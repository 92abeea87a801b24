// Package httpapi exposes the relay over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pushrelay/internal/collab/auth"
	"pushrelay/internal/ingest"
	"pushrelay/internal/model"
	"pushrelay/internal/query"
	"pushrelay/internal/stream"
	logx "pushrelay/pkg/logx"
)

const DefaultCookieName = "pushrelay_token"

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// CookieName carries the token for browser stream clients.
	CookieName     string
	TrustedProxies []string
}

type Sender interface {
	Send(ctx context.Context, p auth.Principal, req ingest.SendRequest) (ingest.Result, error)
}

type Reader interface {
	Query(ctx context.Context, req query.Request) (query.Page, error)
	MarkRead(ctx context.Context, req query.MarkReadRequest) (int64, error)
}

type Streamer interface {
	Serve(ctx context.Context, sink stream.Sink, opts stream.Options) (stream.CloseReason, error)
	Shutdown()
}

type Store interface {
	GetNotification(ctx context.Context, id string) (model.Notification, error)
	ChannelByName(ctx context.Context, name string) (model.Channel, error)
	ListChannels(ctx context.Context) ([]model.Channel, error)
	CreateChannel(ctx context.Context, c model.Channel) error
	Ping(ctx context.Context) error
}

type Deps struct {
	Ingest Sender
	Query  Reader
	Stream Streamer
	Store  Store
	Auth   auth.Validator
	Log    logx.Logger
}

type Server struct {
	cfg    Config
	d      Deps
	log    logx.Logger
	engine *gin.Engine
	srv    *http.Server
}

func New(cfg Config, d Deps) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, d: d, log: d.Log, engine: gin.New()}
	if len(cfg.TrustedProxies) > 0 {
		if err := s.engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			s.log.Warn("invalid trusted proxies; ignoring", logx.Err(err))
		}
	} else {
		_ = s.engine.SetTrustedProxies(nil)
	}
	s.engine.Use(s.recovery(), s.accessLog())
	s.routes()

	// No WriteTimeout: stream connections are long-lived and bounded by the
	// stream server's own max duration.
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ErrorLog:          logx.NewStdLog(s.log, logx.LevelWarn),
	}
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/v1")
	v1.POST("/notifications", s.authenticate(model.PermPublish, false), s.handleSend)
	v1.GET("/notifications", s.authenticate(model.PermRead, false), s.handleList)
	v1.POST("/notifications/read", s.authenticate(model.PermRead, false), s.handleMarkRead)
	v1.GET("/notifications/:id", s.authenticate(model.PermRead, false), s.handleGet)
	v1.GET("/stream", s.authenticate(model.PermRead, true), s.handleStream)
	v1.GET("/channels", s.authenticate(model.PermRead, false), s.handleListChannels)
	v1.POST("/channels", s.authenticate(model.PermAdmin, false), s.handleCreateChannel)
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves until ctx is canceled, then closes open streams and
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http listening", logx.String("addr", l.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()

	select {
	case <-ctx.Done():
		if s.d.Stream != nil {
			s.d.Stream.Shutdown()
		}
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(sctx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

const principalKey = "pushrelay.principal"

// authenticate resolves the bearer token (or, for streams, the cookie) and
// requires perm.
func (s *Server) authenticate(perm string, allowCookie bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := auth.BearerToken(c.GetHeader("Authorization"))
		if cred == "" && allowCookie {
			if v, err := c.Cookie(s.cfg.CookieName); err == nil {
				cred = strings.TrimSpace(v)
			}
		}
		p, err := s.d.Auth.Validate(c.Request.Context(), cred)
		if err == nil {
			err = auth.Require(p, perm)
		}
		if err != nil {
			s.abort(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principal(c *gin.Context) auth.Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(auth.Principal)
	return p
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
		}
		if p := principal(c); p.Name != "" {
			fields = append(fields, logx.String("key", p.Name))
		}
		switch {
		case status >= 500:
			s.log.Warn("http request", fields...)
		default:
			s.log.Debug("http request", fields...)
		}
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("http handler panic", logx.Any("panic", rec), logx.String("path", c.FullPath()))
		writeError(c, http.StatusInternalServerError, "internal", "internal error", nil)
		c.Abort()
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.d.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
