package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pushrelay/internal/ingest"
	"pushrelay/internal/model"
)

type channelBody struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

func (s *Server) handleListChannels(c *gin.Context) {
	chs, err := s.d.Store.ListChannels(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	if chs == nil {
		chs = []model.Channel{}
	}
	c.JSON(http.StatusOK, gin.H{"items": chs})
}

func (s *Server) handleCreateChannel(c *gin.Context) {
	var body channelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "body", "invalid JSON: "+err.Error())
		return
	}
	ch, err := ingest.NewChannel(body.Name, body.Topic, time.Now())
	if err != nil {
		s.abort(c, err)
		return
	}
	if err := s.d.Store.CreateChannel(c.Request.Context(), ch); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}
