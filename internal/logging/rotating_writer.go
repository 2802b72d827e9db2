package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes is the size at which a day's log file rolls over.
const DefaultMaxBytes = 300 * 1024 * 1024

// Options tunes a RotatingWriter.
type Options struct {
	// MaxBytes rolls the file over within a day; zero means DefaultMaxBytes.
	MaxBytes int64
	// MaxAge removes rotated files older than this on each new day; zero keeps everything.
	MaxAge time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// RotatingWriter writes to files that rotate daily and when exceeding max size.
//
// File naming:
//
//	Output files are named <prefix>-YYYY-MM-DD[-N].log where N is a 1-based index when size rolls over.
//	Example: logs/relayd.log -> logs/relayd-2025-10-26.log, logs/relayd-2025-10-26-2.log
//
// The base path itself is kept as a symlink to the active file.
type RotatingWriter struct {
	basePath string
	opts     Options

	mu       sync.Mutex
	curDate  string // YYYY-MM-DD (UTC)
	curIndex int    // 1 means first file of the day
	file     *os.File
	size     int64
}

// NewRotatingWriter creates a new rotating writer using basePath as the logical log file.
// If basePath is "-", writes are discarded.
func NewRotatingWriter(basePath string, opts Options) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rw := &RotatingWriter{basePath: basePath, opts: opts}
	if err := rw.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

// CurrentFile returns the path of the file receiving writes.
func (w *RotatingWriter) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.file.Name()
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	if err == nil {
		w.size += int64(n)
	}
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := w.opts.Now().UTC().Format("2006-01-02")
	if w.file == nil || w.curDate != today {
		w.curDate = today
		w.curIndex = 1
		if err := w.openCurrent(); err != nil {
			return err
		}
		w.prune()
		return nil
	}
	if w.size > 0 && w.size+incoming > w.opts.MaxBytes {
		w.curIndex++
		return w.openCurrent()
	}
	return nil
}

func (w *RotatingWriter) nameParts() (dir, base, ext string) {
	dir, name := filepath.Split(w.basePath)
	if dir == "" {
		dir = "."
	}
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	return dir, base, ext
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir, base, ext := w.nameParts()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	filename := fmt.Sprintf("%s-%s%s", base, w.curDate, ext)
	if w.curIndex > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, w.curDate, w.curIndex, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file = f
	w.size = size
	w.updatePointer(path)
	return nil
}

// prune removes dated files older than MaxAge.
func (w *RotatingWriter) prune() {
	if w.opts.MaxAge <= 0 {
		return
	}
	dir, base, ext := w.nameParts()
	matches, err := filepath.Glob(filepath.Join(dir, base+"-*"+ext))
	if err != nil {
		return
	}
	cutoff := w.opts.Now().UTC().Add(-w.opts.MaxAge).Format("2006-01-02")
	for _, m := range matches {
		rest := strings.TrimPrefix(filepath.Base(m), base+"-")
		if len(rest) < len("2006-01-02") {
			continue
		}
		date := rest[:len("2006-01-02")]
		if _, err := time.Parse("2006-01-02", date); err != nil {
			continue
		}
		if date < cutoff {
			_ = os.Remove(m)
		}
	}
}

func (w *RotatingWriter) updatePointer(target string) {
	base := strings.TrimSpace(w.basePath)
	if base == "" || base == "-" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(base); derr == nil && dest == target {
				return
			}
		}
		_ = os.Remove(base)
	}
	// Prefer symbolic link; fall back to a pointer text file.
	if err := os.Symlink(target, base); err == nil {
		return
	}
	if f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		defer f.Close()
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

// NewLogger returns a logger with the standard relay flags.
func NewLogger(out io.Writer, prefix string) *log.Logger {
	return log.New(out, prefix, log.LstdFlags|log.Lmicroseconds)
}
