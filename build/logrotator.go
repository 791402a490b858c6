package build

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// Gzip is the default compressor of rotated log files.
	Gzip = "gzip"

	// Zstd is the zstandard compressor.
	Zstd = "zstd"
)

// logCompressors maps each supported compressor to its file suffix.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// SupportedLogCompressor returns whether or not logCompressor is a supported
// compression algorithm for log files.
func SupportedLogCompressor(logCompressor string) bool {
	_, ok := logCompressors[logCompressor]

	return ok
}

// RotatingLogWriter is an io.Writer writing to a log file that is rotated
// and compressed once it grows past its size limit.
type RotatingLogWriter struct {
	mu      sync.Mutex
	rotator *rotator.Rotator
}

// NewRotatingLogWriter creates a new file rotating log writer.
//
// NOTE: `InitLogRotator` must be called to set up log rotation after
// creating the writer.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator initializes the log file rotator to write logs to logFile
// and create roll files in the same directory. It must be closed on shutdown
// by calling `Close`.
func (r *RotatingLogWriter) InitLogRotator(cfg *LogConfig,
	logFile string) error {

	if !SupportedLogCompressor(cfg.Compressor) {
		return fmt.Errorf("unknown log compressor: %v", cfg.Compressor)
	}

	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logRotator, err := rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	var c rotator.Compressor
	switch cfg.Compressor {
	case Gzip:
		c = gzip.NewWriter(nil)

	case Zstd:
		c, err = zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd compressor: "+
				"%w", err)
		}
	}
	logRotator.SetCompressor(c, logCompressors[cfg.Compressor])

	r.mu.Lock()
	r.rotator = logRotator
	r.mu.Unlock()

	return nil
}

// Write writes the byte slice to the log rotator, if present.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rotator != nil {
		return r.rotator.Write(b)
	}

	return len(b), nil
}

// Close closes the underlying log rotator if it has already been created.
func (r *RotatingLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rotator != nil {
		return r.rotator.Close()
	}

	return nil
}
