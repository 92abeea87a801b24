package ingest

import (
	"regexp"
	"strings"
	"time"

	"pushrelay/internal/collab/ratelimit"
	"pushrelay/internal/model"
)

// RateLimitError is returned by Send when the caller's budget is spent.
type RateLimitError = ratelimit.Error

const MaxChannelNameLen = 64

var channelRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// NewChannel validates name and topic and returns a channel with a fresh id.
func NewChannel(name, topic string, now time.Time) (model.Channel, error) {
	var ve ValidationError
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case name == "":
		ve.Add("name", "required")
	case len(name) > MaxChannelNameLen:
		ve.Add("name", "too long")
	case !channelRe.MatchString(name):
		ve.Add("name", "use lowercase letters, digits, '.', '_' or '-'")
	}
	topic = strings.TrimSpace(topic)
	if len(topic) > 256 {
		ve.Add("topic", "too long")
	}
	if err := ve.Err(); err != nil {
		return model.Channel{}, err
	}
	return model.Channel{ID: NewID(), Name: name, Topic: topic, CreatedAt: model.Truncate(now)}, nil
}
