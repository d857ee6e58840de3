// Package notification carries the user-facing notices of the booking form
// and the auto-cancel dashboard: a success or an error with a short message.
// Notices are logged, kept in a bounded in-memory feed and served to the
// console over HTTP.
package notification

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Notice
// ---------------------------------------------------------------------------

// Level is the kind of notice shown to the user.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is one transient message.
type Notice struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier receives notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(n Notice)
}

// Success sends a success notice from source.
func Success(n Notifier, source, format string, args ...interface{}) {
	send(n, LevelSuccess, source, fmt.Sprintf(format, args...))
}

// Error sends an error notice from source.
func Error(n Notifier, source, format string, args ...interface{}) {
	send(n, LevelError, source, fmt.Sprintf(format, args...))
}

func send(n Notifier, level Level, source, msg string) {
	if n == nil {
		return
	}
	n.Notify(Notice{
		ID:        uuid.New().String(),
		Level:     level,
		Source:    source,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	})
}

// ---------------------------------------------------------------------------
// Notifiers
// ---------------------------------------------------------------------------

// Nop discards every notice.
type Nop struct{}

func (Nop) Notify(Notice) {}

// Log writes notices to a zerolog logger.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a Log notifier.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(n Notice) {
	evt := l.logger.Info()
	if n.Level == LevelError {
		evt = l.logger.Warn()
	}
	evt.Str("notice_id", n.ID).
		Str("source", n.Source).
		Str("level", string(n.Level)).
		Msg(n.Message)
}

// Multi fans a notice out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notice) {
	for _, to := range m {
		if to != nil {
			to.Notify(n)
		}
	}
}

// DefaultRecorderSize is the number of notices a Recorder keeps.
const DefaultRecorderSize = 100

// Recorder keeps the most recent notices, newest last.
type Recorder struct {
	mu      sync.RWMutex
	size    int
	notices []Notice
}

// NewRecorder creates a Recorder that keeps up to size notices.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRecorderSize
	}
	return &Recorder{size: size}
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	if over := len(r.notices) - r.size; over > 0 {
		r.notices = append([]Notice(nil), r.notices[over:]...)
	}
}

// Recent returns up to limit notices, newest first. A non-positive limit
// returns all of them.
func (r *Recorder) Recent(limit int) []Notice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.notices) {
		limit = len(r.notices)
	}
	out := make([]Notice, 0, limit)
	for i := len(r.notices) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.notices[i])
	}
	return out
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler serves the recorded notices.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates a Handler reading from recorder.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes registers the notice feed on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notices", h.HandleList)
}

// HandleList handles GET /notices?limit=N.
func (h *Handler) HandleList(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"notices": h.recorder.Recent(limit),
	})
}
