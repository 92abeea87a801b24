package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"pushrelay/internal/model"
)

const (
	MaxTitleLen    = 256
	MaxBodyLen     = 4096
	MaxCategoryLen = 64
	MaxTags        = 10
	MaxTagLen      = 32
	MaxMetadata    = 4096 // encoded JSON bytes
	MaxClickURLLen = 2048
	MaxKeyLen      = 128
)

var tagRe = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidationError is returned for malformed input and unknown channels.
type ValidationError = model.ValidationError

// NewValidationError builds a single-field error.
func NewValidationError(field, msg string) *ValidationError {
	return model.NewValidationError(field, msg)
}

// normalize trims req in place and validates it.
func (req *SendRequest) normalize() error {
	var ve ValidationError

	req.Channel = strings.TrimSpace(req.Channel)
	req.Title = strings.TrimSpace(req.Title)
	req.Category = strings.TrimSpace(req.Category)
	req.ClickURL = strings.TrimSpace(req.ClickURL)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.Channel == "" {
		ve.Add("channel", "required")
	}
	switch n := utf8.RuneCountInString(req.Title); {
	case n == 0:
		ve.Add("title", "required")
	case n > MaxTitleLen:
		ve.Add("title", fmt.Sprintf("at most %d characters", MaxTitleLen))
	}
	if utf8.RuneCountInString(req.Body) > MaxBodyLen {
		ve.Add("body", fmt.Sprintf("at most %d characters", MaxBodyLen))
	}
	if len(req.Category) > MaxCategoryLen {
		ve.Add("category", fmt.Sprintf("at most %d characters", MaxCategoryLen))
	}
	if req.Priority == 0 {
		req.Priority = model.DefaultPriority
	}
	if req.Priority < model.MinPriority || req.Priority > model.MaxPriority {
		ve.Add("priority", fmt.Sprintf("must be between %d and %d", model.MinPriority, model.MaxPriority))
	}

	tags := make([]string, 0, len(req.Tags))
	for _, t := range req.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if len(t) > MaxTagLen || !tagRe.MatchString(t) {
			ve.Add("tags", fmt.Sprintf("invalid tag %q", t))
			continue
		}
		if !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}
	if len(tags) > MaxTags {
		ve.Add("tags", fmt.Sprintf("at most %d tags", MaxTags))
	}
	req.Tags = tags

	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		switch {
		case err != nil:
			ve.Add("metadata", "must be a JSON object")
		case len(b) > MaxMetadata:
			ve.Add("metadata", fmt.Sprintf("at most %d bytes encoded", MaxMetadata))
		}
	}
	if req.ClickURL != "" {
		u, err := url.Parse(req.ClickURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || len(req.ClickURL) > MaxClickURLLen {
			ve.Add("clickUrl", "must be an absolute http(s) URL")
		}
	}
	if len(req.IdempotencyKey) > MaxKeyLen {
		ve.Add("idempotencyKey", fmt.Sprintf("at most %d characters", MaxKeyLen))
	}
	return ve.Err()
}
