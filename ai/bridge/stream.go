package bridge

import (
	"bytes"
	"io"
	"sync"
)

// LineBuffer is an incremental line splitter. A chunk boundary may fall in
// the middle of a protocol line, so Feed returns only fully terminated lines
// and keeps the trailing remainder buffered for the next read.
type LineBuffer struct {
	rem []byte
}

// Feed appends p to the buffer and returns every complete line it now holds,
// in order, with the trailing "\n" (and any "\r" before it) stripped.
func (b *LineBuffer) Feed(p []byte) []string {
	if len(p) == 0 {
		return nil
	}
	b.rem = append(b.rem, p...)

	var lines []string
	for {
		i := bytes.IndexByte(b.rem, '\n')
		if i < 0 {
			break
		}
		line := b.rem[:i]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lines = append(lines, string(line))
		b.rem = b.rem[i+1:]
	}
	return lines
}

// Pending returns the buffered partial line, if any.
func (b *LineBuffer) Pending() string {
	return string(b.rem)
}

const readChunkSize = 4096

// Stream owns an open SSE response body. A single reader goroutine pumps raw
// chunks through a LineBuffer and delivers complete lines on Lines. The
// channel closes when the underlying stream ends for any reason.
//
// A Stream belongs to exactly one bridge call and must be closed on every
// exit path. Close is idempotent: the underlying cancel and body close run
// once no matter how many paths reach it.
type Stream struct {
	body   io.ReadCloser
	cancel func()

	lines chan string
	done  chan struct{}
	once  sync.Once
}

func newStream(body io.ReadCloser, cancel func()) *Stream {
	s := &Stream{
		body:   body,
		cancel: cancel,
		lines:  make(chan string, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Lines delivers complete protocol lines. The channel is closed when the
// remote side ends the stream or the Stream is closed locally.
func (s *Stream) Lines() <-chan string {
	return s.lines
}

// Close aborts the stream exactly once.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.body.Close()
	})
}

func (s *Stream) readLoop() {
	defer close(s.lines)

	var lb LineBuffer
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			for _, line := range lb.Feed(buf[:n]) {
				select {
				case s.lines <- line:
				case <-s.done:
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}
