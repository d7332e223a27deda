package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

// RotatingLogWriter writes log lines to a file that is rolled over and
// compressed once it grows beyond the configured size. Until InitLogRotator
// is called every write is discarded.
type RotatingLogWriter struct {
	rotator *rotator.Rotator

	// pipe feeds the rotator's Run loop.
	pipe *io.PipeWriter
}

// NewRotatingLogWriter creates a writer without a log file.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// newCompressor returns the compressor for rolled log files together with the
// file suffix of its output.
func newCompressor(name string) (rotator.Compressor, string, error) {
	suffix, ok := logCompressors[name]
	if !ok {
		return nil, "", fmt.Errorf("unknown log compressor: %v", name)
	}

	switch name {
	case Zstd:
		c, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, "", fmt.Errorf("unable to create zstd "+
				"compressor: %w", err)
		}

		return c, suffix, nil

	default:
		return gzip.NewWriter(nil), suffix, nil
	}
}

// InitLogRotator starts rotating logFile, with the rolled files kept in the
// same directory. Close must be called on shutdown.
func (r *RotatingLogWriter) InitLogRotator(cfg *FileLoggerConfig,
	logFile string) error {

	compressor, suffix, err := newCompressor(cfg.Compressor)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	maxSize := int64(cfg.MaxLogFileSize) * 1024
	r.rotator, err = rotator.New(logFile, maxSize, false, cfg.MaxLogFiles)
	if err != nil {
		return fmt.Errorf("unable to create file rotator: %w", err)
	}
	r.rotator.SetCompressor(compressor, suffix)

	pr, pw := io.Pipe()
	r.pipe = pw

	// Rotation errors only cost the file output.
	go func() {
		if err := r.rotator.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "log rotator stopped: "+
				"%v\n", err)
		}
	}()

	return nil
}

// Write passes the bytes to the rotator, if one was started.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.rotator == nil {
		return len(b), nil
	}

	return r.rotator.Write(b)
}

// Close stops the rotator, if one was started.
func (r *RotatingLogWriter) Close() error {
	if r.rotator == nil {
		return nil
	}

	return r.rotator.Close()
}
