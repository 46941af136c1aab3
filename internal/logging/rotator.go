package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// asideLayout timestamps rotated files. Fixed width with nanoseconds,
// so names sort chronologically and back-to-back rotations never
// collide.
const asideLayout = "20060102T150405.000000000"

// rotator is an append-only log file that renames itself aside once it
// would grow past the configured size.
type rotator struct {
	path     string
	maxBytes int64
	keep     int
	keepAge  time.Duration
	compress bool

	mu   sync.Mutex
	f    *os.File
	size int64
}

func newRotator(cfg Config) (*rotator, error) {
	r := &rotator{
		path:     cfg.FilePath,
		maxBytes: cfg.MaxBytes,
		keep:     cfg.Keep,
		compress: cfg.Compress,
	}
	if r.maxBytes <= 0 {
		r.maxBytes = 20 << 20
	}
	if cfg.KeepDays > 0 {
		r.keepAge = time.Duration(cfg.KeepDays) * 24 * time.Hour
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("logging: stat log file: %w", err)
	}
	r.f = f
	r.size = info.Size()
	return nil
}

func (r *rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	// An oversized record still lands whole when the file is empty.
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate renames the live file aside and reopens a fresh one. Caller
// holds r.mu.
func (r *rotator) rotate() error {
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("logging: close for rotate: %w", err)
	}
	r.f = nil
	aside := r.path + "." + time.Now().Format(asideLayout)
	if err := os.Rename(r.path, aside); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logging: rotate: %w", err)
	}
	go r.finish(aside)
	return r.open()
}

// finish gzips the rotated file and applies retention. Best effort; a
// failed compression leaves the plain file for the next prune.
func (r *rotator) finish(aside string) {
	if r.compress {
		if err := gzipFile(aside); err == nil {
			os.Remove(aside)
		}
	}
	r.prune()
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	return dst.Close()
}

// prune drops rotated files beyond the keep count or age. The
// timestamp suffixes sort oldest first, so ordering needs no stat
// calls.
func (r *rotator) prune() {
	dir := filepath.Dir(r.path)
	prefix := filepath.Base(r.path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var rotated []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			rotated = append(rotated, e.Name())
		}
	}
	sort.Strings(rotated)

	excess := len(rotated) - r.keep
	for i, name := range rotated {
		full := filepath.Join(dir, name)
		if i < excess {
			os.Remove(full)
			continue
		}
		if r.keepAge > 0 {
			if info, err := os.Stat(full); err == nil && time.Since(info.ModTime()) > r.keepAge {
				os.Remove(full)
			}
		}
	}
}

func (r *rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
