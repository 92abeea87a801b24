package logx

import (
	"bytes"
	"log"
)

// NewStdLog adapts l for APIs that want a *log.Logger, such as
// http.Server.ErrorLog. Each line becomes one event at level.
func NewStdLog(l Logger, level Level) *log.Logger {
	return log.New(stdWriter{l: l, level: level}, "", 0)
}

type stdWriter struct {
	l     Logger
	level Level
}

func (w stdWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimRight(p, "\r\n"))
	// Printf -> output -> Write -> write
	w.l.write(w.level, 3, msg, nil)
	return len(p), nil
}
