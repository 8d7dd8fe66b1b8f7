package logsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jzx17/procsync/pkg/types"
)

// ErrClosed is returned when submitting to a closed Sink
var ErrClosed = errors.New("log sink is closed")

// Format selects the encoding of written records
type Format int

const (
	// FormatText writes logfmt style lines
	FormatText Format = iota
	// FormatJSON writes one JSON object per line
	FormatJSON
)

// String returns the string representation of Format
func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Config defines configuration for a Sink
type Config struct {
	// Format of written records
	Format Format

	// Level is the minimum level written
	Level slog.Leveler

	// BufferSize is the capacity of the record queue. Submit blocks while
	// the queue is full; records are never dropped.
	BufferSize int

	// Tee receives a copy of every written record (optional)
	Tee io.Writer

	// Clock used to name dated log files (optional, defaults to real clock)
	Clock types.Clock
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Format:     FormatText,
		Level:      slog.LevelInfo,
		BufferSize: 1024,
		Clock:      types.NewRealClock(),
	}
}

func (c *Config) normalize() *Config {
	if c == nil {
		return DefaultConfig()
	}
	cfg := *c
	if cfg.Level == nil {
		cfg.Level = slog.LevelInfo
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = types.NewRealClock()
	}
	return &cfg
}

// Sink is the single writer of a log destination. Any number of producers
// submit records; one goroutine encodes and writes them, so a record is
// always written whole.
type Sink struct {
	records chan Record
	writer  slog.Handler
	level   slog.Leveler
	closer  io.Closer
	path    string

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	done   chan struct{}

	errMu    sync.Mutex
	writeErr error
}

// New starts a Sink writing to dest. The Sink does not close dest.
func New(dest io.Writer, config *Config) *Sink {
	cfg := config.normalize()

	w := dest
	if cfg.Tee != nil {
		w = io.MultiWriter(dest, cfg.Tee)
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var writer slog.Handler
	if cfg.Format == FormatJSON {
		writer = slog.NewJSONHandler(w, opts)
	} else {
		writer = slog.NewTextHandler(w, opts)
	}

	s := &Sink{
		records: make(chan Record, cfg.BufferSize),
		writer:  writer,
		level:   cfg.Level,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Open starts a Sink appending to the file at path, creating it and its
// parent directories when missing. Close closes the file.
func Open(path string, config *Config) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	s := New(f, config)
	s.closer = f
	s.path = path
	return s, nil
}

func (s *Sink) run() {
	defer close(s.done)
	ctx := context.Background()
	for r := range s.records {
		if !s.writer.Enabled(ctx, r.Level) {
			continue
		}
		if err := s.writer.Handle(ctx, r.slogRecord()); err != nil {
			s.errMu.Lock()
			if s.writeErr == nil {
				s.writeErr = err
			}
			s.errMu.Unlock()
		}
	}
}

// Submit queues r for writing. It blocks while the queue is full.
func (s *Sink) Submit(r Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.records <- r
	return nil
}

// Handler returns an slog.Handler submitting to s
func (s *Sink) Handler() *Handler {
	return NewHandler(s.Submit, s.level)
}

// Logger returns a logger submitting to s
func (s *Sink) Logger() *slog.Logger {
	return slog.New(s.Handler())
}

// Level returns the minimum level written
func (s *Sink) Level() slog.Level {
	return s.level.Level()
}

// Path returns the file path for sinks created by Open or OpenDated
func (s *Sink) Path() string {
	return s.path
}

// Err returns the first write error, if any
func (s *Sink) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.writeErr
}

// Close stops accepting records, waits until queued records are written
// and closes the destination file when the Sink owns it.
func (s *Sink) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.records)
		s.mu.Unlock()

		<-s.done
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	if err != nil {
		return err
	}
	return s.Err()
}
