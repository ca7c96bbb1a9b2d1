package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes to files that rotate daily and when exceeding max size.
//
// With BasePath logs/gatewayd.log the files are logs/gatewayd-YYYY-MM-DD.log,
// then logs/gatewayd-YYYY-MM-DD-2.log and so on once MaxBytes is reached
// within a UTC day. BasePath itself is kept as a symlink to the live file.
// When MaxBackups is positive, older rotated files beyond that count are removed.
type RotatingWriter struct {
	BasePath   string
	MaxBytes   int64
	MaxBackups int

	now func() time.Time

	mu       sync.Mutex
	curDate  string
	curIndex int
	file     *os.File
	size     int64
}

// NewRotatingWriter creates a new rotating writer using basePath as the logical log file.
// If basePath is "-" or empty, file output is disabled.
func NewRotatingWriter(basePath string, maxBytes int64, maxBackups int) (io.WriteCloser, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" || basePath == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	rw := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, MaxBackups: maxBackups, now: time.Now}
	if err := rw.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := w.clock().UTC().Format("2006-01-02")
	if w.file == nil || w.curDate != today {
		w.curDate = today
		w.curIndex = 1
		return w.openCurrent()
	}
	if w.MaxBytes > 0 && w.size > 0 && w.size+incoming > w.MaxBytes {
		w.curIndex++
		return w.openCurrent()
	}
	return nil
}

func (w *RotatingWriter) parts() (dir, base, ext string) {
	dir, name := filepath.Split(w.BasePath)
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
	dir, base, ext := w.parts()
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
	w.prune(path)
	return nil
}

// prune removes the oldest rotated files so that at most MaxBackups remain
// besides the live one.
func (w *RotatingWriter) prune(current string) {
	if w.MaxBackups <= 0 {
		return
	}
	dir, base, ext := w.parts()
	matches, err := filepath.Glob(filepath.Join(dir, base+"-*"+ext))
	if err != nil {
		return
	}
	var old []string
	for _, m := range matches {
		if m != current {
			old = append(old, m)
		}
	}
	if len(old) <= w.MaxBackups {
		return
	}
	sort.Slice(old, func(i, j int) bool {
		di, ii := rotationKey(old[i], base, ext)
		dj, ij := rotationKey(old[j], base, ext)
		if di != dj {
			return di < dj
		}
		return ii < ij
	})
	for _, m := range old[:len(old)-w.MaxBackups] {
		_ = os.Remove(m)
	}
}

// rotationKey extracts the date and same-day index from a rotated file name.
func rotationKey(path, base, ext string) (string, int) {
	stem := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), base+"-"), ext)
	if len(stem) < 10 {
		return stem, 0
	}
	date, rest := stem[:10], strings.TrimPrefix(stem[10:], "-")
	idx := 1
	if rest != "" {
		if n, err := strconv.Atoi(rest); err == nil {
			idx = n
		}
	}
	return date, idx
}

func (w *RotatingWriter) updatePointer(target string) {
	base := w.BasePath
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(base); derr == nil && dest == target {
				return
			}
		}
		_ = os.Remove(base)
	}
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
