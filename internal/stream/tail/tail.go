// Package tail follows a growing alerts file the way tail -F does, surviving
// rotation and truncation.
package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/linnemanlabs/go-core/log"
)

// pollInterval bounds how long Next waits without a filesystem event.
const pollInterval = time.Second

// Follower is a stream.Source over a followed file. It is not safe for
// concurrent use; the stream driver is its only reader.
type Follower struct {
	path    string
	watcher *fsnotify.Watcher
	logger  log.Logger

	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial []byte

	// lines drained from a rotated file, returned before the new file's
	queued [][]byte
}

// Open starts following path. With fromStart false, existing content is
// skipped and only lines appended afterwards are returned. A missing file is
// picked up once it is created.
func Open(path string, fromStart bool, logger log.Logger) (*Follower, error) {
	if logger == nil {
		logger = log.Nop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tail: create watcher: %w", err)
	}
	// watch the directory so rotations that recreate the file are seen
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("tail: watch %s: %w", filepath.Dir(path), err)
	}

	f := &Follower{path: path, watcher: w, logger: logger}
	if err := f.open(!fromStart); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = w.Close()
		return nil, err
	}
	return f, nil
}

func (f *Follower) open(atEnd bool) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("tail: stat %s: %w", f.path, err)
	}
	var off int64
	if atEnd {
		if off, err = file.Seek(0, io.SeekEnd); err != nil {
			_ = file.Close()
			return fmt.Errorf("tail: seek %s: %w", f.path, err)
		}
	}
	f.closeFile()
	f.file, f.info, f.offset = file, info, off
	f.reader = bufio.NewReader(file)
	f.partial = nil
	return nil
}

func (f *Follower) closeFile() {
	if f.file != nil {
		_ = f.file.Close()
	}
	f.file, f.info, f.reader = nil, nil, nil
}

// Next returns the next complete line, or nil after waiting up to one poll
// interval for new data.
func (f *Follower) Next(ctx context.Context) ([]byte, error) {
	if line := f.nextLine(); line != nil {
		return line, nil
	}

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-f.watcher.Events:
		if !ok {
			return nil, errors.New("tail: watcher closed")
		}
		if filepath.Clean(ev.Name) == filepath.Clean(f.path) {
			f.handle(ctx, ev)
		}
	case err, ok := <-f.watcher.Errors:
		if !ok {
			return nil, errors.New("tail: watcher closed")
		}
		return nil, fmt.Errorf("tail: watch: %w", err)
	case <-timer.C:
	}

	f.checkRotation(ctx)
	return f.nextLine(), nil
}

func (f *Follower) nextLine() []byte {
	if len(f.queued) > 0 {
		line := f.queued[0]
		f.queued = f.queued[1:]
		return line
	}
	return f.readLine()
}

// drain queues whatever the writer appended to the current file before it
// was replaced. An unterminated last line is queued as is.
func (f *Follower) drain() {
	for {
		line := f.readLine()
		if line == nil {
			break
		}
		f.queued = append(f.queued, line)
	}
	if len(f.partial) > 0 {
		f.queued = append(f.queued, f.partial)
		f.partial = nil
	}
}

// reopen drains the current file and switches to the new one at path.
func (f *Follower) reopen() error {
	f.drain()
	return f.open(false)
}

func (f *Follower) readLine() []byte {
	if f.reader == nil {
		return nil
	}
	chunk, err := f.reader.ReadBytes('\n')
	f.offset += int64(len(chunk))
	if err != nil {
		// keep the unterminated tail until the writer finishes the line
		f.partial = append(f.partial, chunk...)
		return nil
	}
	line := append(f.partial, chunk...)
	f.partial = nil
	return line
}

func (f *Follower) handle(ctx context.Context, ev fsnotify.Event) {
	// on remove or rename the old handle stays open; its remaining lines are
	// drained once a new file shows up under the same name
	if !ev.Has(fsnotify.Create) {
		return
	}
	if err := f.reopen(); err != nil {
		f.logger.Warn(ctx, "followed file recreated but not readable", "path", f.path, "err", err)
		return
	}
	f.logger.Info(ctx, "followed file recreated, reading from start", "path", f.path)
}

// checkRotation detects truncation and replacement that produced no event.
func (f *Follower) checkRotation(ctx context.Context) {
	info, err := os.Stat(f.path)
	if err != nil {
		return
	}
	switch {
	case f.file == nil || !os.SameFile(info, f.info):
		if err := f.reopen(); err == nil {
			f.logger.Info(ctx, "followed file replaced, reading from start", "path", f.path)
		}
	case info.Size() < f.offset:
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			f.logger.Warn(ctx, "followed file truncated but seek failed", "path", f.path, "err", err)
			return
		}
		f.reader.Reset(f.file)
		f.offset = 0
		f.partial = nil
		f.info = info
		f.logger.Info(ctx, "followed file truncated, reading from start", "path", f.path)
	}
}

// Close stops watching and closes the file.
func (f *Follower) Close() error {
	f.closeFile()
	return f.watcher.Close()
}
