package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "castbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./castbot.log
}

// TelegramConfig mirrors records at or above MinLevel (default warn) into
// a chat, at most RatePerSec lines a second.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	MinLevel   string
	RatePerSec int
}

// Service owns the root logger and its sinks.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	chat *chatSink
}

// New applies cfg and returns the service with a root Logger bound to it.
// sender carries the chat sink and may be nil when it is not wanted.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	setGlobals()
	s := &Service{chat: newChatSink(sender)}
	zl := consoleLogger(cfg.Level)
	s.root.Store(&zl)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger { return *s.root.Load() }

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the sinks from cfg. A log file that cannot be opened is
// reported on stderr and skipped; console output is kept when nothing else
// is configured.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.chat.configure(cfg.Telegram)
	if cfg.Telegram.Enabled && s.chat.usable() {
		sinks = append(sinks, s.chat)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./castbot.log"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

// Close stops the chat sink and closes the log file. Loggers keep working
// on whatever sinks remain.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
