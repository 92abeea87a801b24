package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pushrelay/internal/model"
	"pushrelay/internal/storage"
	"pushrelay/internal/stream"
	logx "pushrelay/pkg/logx"
)

// sseSink writes stream events in text/event-stream framing.
type sseSink struct {
	w gin.ResponseWriter
}

func (s sseSink) Send(e stream.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if e.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(e.ID)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(e.Type)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	_, err = s.w.Write(buf.Bytes())
	return err
}

func (s sseSink) Flush() error {
	s.w.Flush()
	return nil
}

func (s *Server) handleStream(c *gin.Context) {
	var f model.Filter
	if name := strings.TrimSpace(c.Query("channel")); name != "" {
		ch, err := s.d.Store.ChannelByName(c.Request.Context(), name)
		if errors.Is(err, storage.ErrNotFound) {
			badRequest(c, "channel", "unknown channel")
			return
		}
		if err != nil {
			s.abort(c, err)
			return
		}
		f.ChannelID = ch.ID
	}
	var ve model.ValidationError
	f.MinPriority = intParam(c, "min_priority", &ve)
	if err := ve.Err(); err != nil {
		s.abort(c, err)
		return
	}

	resume := strings.TrimSpace(c.GetHeader("Last-Event-ID"))
	if resume == "" {
		resume = strings.TrimSpace(c.Query("resume"))
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	reason, err := s.d.Stream.Serve(c.Request.Context(), sseSink{w: c.Writer}, stream.Options{Filter: f, Resume: resume})
	if err != nil {
		s.log.Debug("stream ended with error", logx.String("reason", string(reason)), logx.Err(err))
	}
}
