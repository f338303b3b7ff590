package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.bug.st/serial"
)

// LineSource yields newline-terminated text. An empty line with a nil error
// means nothing arrived before the read timeout.
type LineSource interface {
	ReadLine() (string, error)
	Close() error
}

type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// OpenSerial opens the device once. A failure here is a configuration error
// and is not retried.
func OpenSerial(cfg SerialConfig) (LineSource, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Port, err)
	}
	return NewLineReader(port), nil
}

// LineReader splits a timed reader into lines. The underlying Read must
// return (0, nil) when its timeout expires, as serial ports do.
type LineReader struct {
	r       io.Reader
	pending []byte
	buf     []byte
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r, buf: make([]byte, 256)}
}

// ReadLine returns the next line without its terminator. When the timeout
// expires first, whatever was received so far is returned.
func (l *LineReader) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(l.pending, '\n'); i >= 0 {
			line := l.pending[:i]
			l.pending = l.pending[i+1:]
			return decodeLine(line)
		}

		n, err := l.r.Read(l.buf)
		l.pending = append(l.pending, l.buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(l.pending) > 0 {
				return l.flush()
			}
			return "", err
		}
		if n == 0 {
			return l.flush()
		}
	}
}

func (l *LineReader) flush() (string, error) {
	line := l.pending
	l.pending = nil
	return decodeLine(line)
}

func (l *LineReader) Close() error {
	if c, ok := l.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func decodeLine(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("line is not valid utf-8: %q", b)
	}
	return strings.TrimSpace(string(b)), nil
}
