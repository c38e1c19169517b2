package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
)

// Source yields raw alert lines. Next blocks until a line is available, the
// source has nothing more for now (nil line, nil error), or ctx is done.
// io.EOF means the source is drained and may be polled again later.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

type readResult struct {
	line []byte
	err  error
}

// ReaderSource reads newline-delimited alerts from an io.Reader such as a
// stdin pipe.
type ReaderSource struct {
	lines chan readResult
	done  chan struct{}
	err   error
}

// NewReaderSource starts reading r in the background.
func NewReaderSource(r io.Reader) *ReaderSource {
	s := &ReaderSource{
		lines: make(chan readResult),
		done:  make(chan struct{}),
	}
	go s.read(bufio.NewReader(r))
	return s
}

func (s *ReaderSource) read(br *bufio.Reader) {
	defer close(s.done)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			s.lines <- readResult{line: line}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			return
		}
	}
}

// Next implements Source.
func (s *ReaderSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case r := <-s.lines:
		return r.line, r.err
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
