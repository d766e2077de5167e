package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	tmlog "github.com/tendermint/tendermint/libs/log"
)

// Logger is the structured key/value logger every component receives.
type Logger = tmlog.Logger

const (
	FormatPlain = "plain"
	FormatJSON  = "json"
)

type Options struct {
	Level  string
	Format string
	// Dir redirects output to <Dir>/<binary>.<pid>.log when set.
	Dir string
}

// New builds a logger from the options. The returned closer releases the log
// file, if one was opened.
func New(opts Options) (Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)

	if opts.Dir != "" {
		file, err := openLogFile(opts.Dir)
		if err != nil {
			return nil, nil, err
		}
		w, closer = file, file
	}

	logger, err := NewWithWriter(w, opts)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}

	return logger, closer, nil
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(w io.Writer, opts Options) (Logger, error) {
	var logger tmlog.Logger
	switch opts.Format {
	case "", FormatPlain:
		logger = tmlog.NewTMLogger(tmlog.NewSyncWriter(w))
	case FormatJSON:
		logger = tmlog.NewTMJSONLogger(tmlog.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	level := opts.Level
	if level == "" {
		level = "info"
	}
	option, err := tmlog.AllowLevel(level)
	if err != nil {
		return nil, err
	}

	return tmlog.NewFilter(logger, option), nil
}

func NewNop() Logger {
	return tmlog.NewNopLogger()
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s.%d.log", filepath.Base(os.Args[0]), os.Getpid())
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	return file, nil
}
