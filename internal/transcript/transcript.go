// Package transcript writes an NDJSON record of every conversation turn. Writes
// happen on a background goroutine so a slow disk never delays a reply; when
// the queue is full events are dropped and counted.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

// Event is one transcript line.
type Event struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Config controls transcript logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Logger records transcript events.
type Logger interface {
	Log(Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Log does nothing.
func (Nop) Log(Event) {}

// Close does nothing.
func (Nop) Close() error { return nil }

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)
	unsafeName   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	errQueueFull = errors.New("transcript queue full")
)

// FileLogger appends events to <dir>/<user>/<session>.ndjson and, when
// enabled, to one global file.
type FileLogger struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event

	files   map[string]*os.File
	global  *os.File
	dropped atomic.Int64
	done    chan struct{}
}

// New creates a transcript logger. A disabled config yields Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l := &FileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		files:  make(map[string]*os.File),
		done:   make(chan struct{}),
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open global transcript: %w", err)
		}
		l.global = f
	}
	go l.run()
	return l, nil
}

// Log enqueues an event without blocking.
func (l *FileLogger) Log(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = Clean(ev.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		n := l.dropped.Add(1)
		l.logger.Warn("transcript event dropped", "user_id", ev.UserID, "dropped_total", n, "error", errQueueFull)
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (l *FileLogger) Dropped() int64 { return l.dropped.Load() }

// Close flushes queued events and closes all files.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done

	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	if l.global != nil {
		errs = append(errs, l.global.Close())
	}
	return errors.Join(errs...)
}

func (l *FileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("encode transcript event", "error", err)
			continue
		}
		line = append(line, '\n')

		f, err := l.file(ev.UserID, ev.SessionID)
		if err != nil {
			l.logger.Warn("open transcript file", "user_id", ev.UserID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.logger.Warn("write transcript event", "user_id", ev.UserID, "error", err)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("write global transcript", "error", err)
			}
		}
	}
}

// file returns the open per-session file. Only the run goroutine calls it.
func (l *FileLogger) file(userID, sessionID string) (*os.File, error) {
	user, sess := safeName(userID), safeName(sessionID)
	key := user + "/" + sess
	if f, ok := l.files[key]; ok {
		return f, nil
	}
	dir := filepath.Join(l.cfg.Dir, user)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, sess+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	l.files[key] = f
	return f, nil
}

func safeName(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" || strings.Trim(s, ".") == "" {
		return "_" + s
	}
	return s
}

// Clean strips terminal escape sequences and control characters so the
// transcript stays readable.
func Clean(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
