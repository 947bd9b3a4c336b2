package transport

import (
	"bufio"
	"errors"
	"io"
)

// Line is one framed input line.
type Line struct {
	Text string
	// Dropped counts bytes past MaxLineBytes that were read and discarded.
	Dropped int64
}

// Truncated reports whether Text is only a prefix of what the client sent.
func (l Line) Truncated() bool { return l.Dropped > 0 }

// LineReader frames a stream into lines. A trailing "\r" is dropped, so CRLF
// and LF clients produce the same records. A final line without a newline is
// still returned before io.EOF.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader reads lines of up to MaxLineBytes from r.
func NewLineReader(r io.Reader) *LineReader {
	return newLineReader(r, MaxLineBytes)
}

func newLineReader(r io.Reader, max int) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// Next returns the next line. It returns io.EOF once the stream is drained
// and any other read error as is.
func (lr *LineReader) Next() (Line, error) {
	var (
		buf     []byte
		dropped int64
		cr      bool
	)
	for {
		frag, err := lr.r.ReadSlice('\n')
		if err == nil {
			frag = frag[:len(frag)-1]
		}
		if len(frag) > 0 {
			cr = frag[len(frag)-1] == '\r'
		}

		room := lr.max - len(buf)
		if len(frag) > room {
			dropped += int64(len(frag) - room)
			frag = frag[:room]
		}
		buf = append(buf, frag...)

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			return finishLine(buf, dropped, cr), nil
		case errors.Is(err, io.EOF):
			if len(buf) == 0 && dropped == 0 {
				return Line{}, io.EOF
			}
			return finishLine(buf, dropped, cr), nil
		default:
			return Line{}, err
		}
	}
}

// finishLine removes a trailing "\r", which is either the last kept byte or
// the last dropped one.
func finishLine(buf []byte, dropped int64, cr bool) Line {
	if cr {
		if dropped > 0 {
			dropped--
		} else {
			buf = buf[:len(buf)-1]
		}
	}
	return Line{Text: string(buf), Dropped: dropped}
}
