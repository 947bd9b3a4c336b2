// Package ledger implements the append-only, hash-chained decision ledger.
//
// The file is JSON Lines: a Header on line 1 followed by one Record per
// processed log line. Each line carries the hash of its predecessor so
// tampering with or removing a record is detectable by Verify.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	// ErrNoHeader is returned by Open when a non-empty file does not start
	// with a ledger header.
	ErrNoHeader = errors.New("ledger: file has no header")
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("ledger: closed")
	// ErrNotDurable is returned by Append when a record was written in full
	// but could not be flushed. The record still holds its id.
	ErrNotDurable = errors.New("ledger: record written but not synced")
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithRedactor masks the persisted input_log. The input hash is always
// computed over the original line.
func WithRedactor(fn func(string) string) Option {
	return func(l *Ledger) { l.redact = fn }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is safe for concurrent use. Appends are serialized so every record
// occupies exactly one whole line and ids are strictly increasing.
type Ledger struct {
	mu   sync.Mutex
	file syncWriter
	path string

	header       Header
	fingerprint  string
	promptHash   string
	nextID       uint64
	lastHash     string
	needsNewline bool

	redact func(string) string
	now    func() time.Time
}

type syncWriter interface {
	io.WriteCloser
	Sync() error
}

// Open opens or creates the ledger at path. A new or empty file receives a
// header describing fp and promptTemplate. An existing file keeps its
// header; ids and the hash chain resume after its last intact record.
func Open(path string, fp ModelFingerprint, promptTemplate string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:        path,
		fingerprint: fp.Short(),
		promptHash:  Digest(promptTemplate),
		nextID:      1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l.file = file

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat ledger: %w", err)
	}

	if info.Size() == 0 {
		err = l.writeHeader(fp)
	} else {
		err = l.resume(file)
	}
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) writeHeader(fp ModelFingerprint) error {
	h := Header{
		Version:          SchemaVersion,
		CreatedAt:        l.now().UnixMilli(),
		ModelFingerprint: fp,
		PromptHash:       l.promptHash,
	}
	hash, err := h.hash()
	if err != nil {
		return err
	}
	h.RecordHash = hash

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal ledger header: %w", err)
	}
	if _, err := l.writeLine(data); err != nil {
		return fmt.Errorf("write ledger header: %w", err)
	}

	l.header = h
	l.lastHash = hash
	return nil
}

// resume scans an existing file for its header and last intact record.
func (l *Ledger) resume(file *os.File) error {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek ledger: %w", err)
	}

	r := bufio.NewReader(file)
	first := true
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'
			l.needsNewline = !complete
			body := bytes.TrimSpace(line)

			if first {
				first = false
				h, ok := parseHeader(body)
				if !ok {
					return fmt.Errorf("%w: %s", ErrNoHeader, l.path)
				}
				l.header = h
				l.lastHash = h.RecordHash
			} else if len(body) > 0 {
				var rec Record
				// A torn or foreign line does not advance the chain.
				if json.Unmarshal(body, &rec) == nil && rec.ID > 0 && rec.RecordHash != "" {
					l.nextID = rec.ID + 1
					l.lastHash = rec.RecordHash
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
	}
}

// parseHeader reports whether body is a ledger header line. Headers carry
// model_fingerprint as an object; records carry it as a string.
func parseHeader(body []byte) (Header, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return Header{}, false
	}
	raw, ok := probe["model_fingerprint"]
	if !ok || len(raw) == 0 || raw[0] != '{' {
		return Header{}, false
	}
	var h Header
	if err := json.Unmarshal(body, &h); err != nil || h.Version == "" {
		return Header{}, false
	}
	return h, true
}

// Append writes one record and returns its id. The write is flushed to
// stable storage before Append returns. If the record reached the file but
// the flush failed, Append returns its id together with ErrNotDurable and
// the chain continues from it.
func (l *Ledger) Append(e Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, ErrClosed
	}

	rec := Record{
		ID:               l.nextID,
		TimestampMS:      l.now().UnixMilli(),
		InputLog:         e.Line,
		InputHash:        Digest(e.Line),
		Action:           e.Action,
		Confidence:       e.Confidence,
		Filtered:         e.Filtered,
		LatencyMS:        latencyValue(e.Filtered, e.Latency),
		ModelFingerprint: l.fingerprint,
		PromptHash:       Short(l.promptHash),
		RawResponse:      e.RawResponse,
		TruncatedBytes:   e.DroppedBytes,
		PrevHash:         l.lastHash,
	}
	if l.redact != nil {
		if masked := l.redact(e.Line); masked != e.Line {
			rec.InputLog = masked
			rec.Redacted = true
		}
	}

	hash, err := rec.hash()
	if err != nil {
		return 0, err
	}
	rec.RecordHash = hash

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal ledger record: %w", err)
	}
	written, err := l.writeLine(data)
	if !written {
		// Part of the line may have landed; start the next one fresh.
		l.needsNewline = true
		return 0, fmt.Errorf("append ledger record %d: %w", rec.ID, err)
	}

	l.nextID++
	l.lastHash = hash
	if err != nil {
		return rec.ID, fmt.Errorf("append ledger record %d: %w: %v", rec.ID, ErrNotDurable, err)
	}
	return rec.ID, nil
}

// writeLine writes data plus a newline as a single write and fsyncs. The
// bool reports whether the whole line reached the file, even when the
// sync afterwards failed.
func (l *Ledger) writeLine(data []byte) (bool, error) {
	buf := make([]byte, 0, len(data)+2)
	if l.needsNewline {
		buf = append(buf, '\n')
	}
	buf = append(buf, data...)
	buf = append(buf, '\n')

	n, err := l.file.Write(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return false, err
	}
	l.needsNewline = false
	return true, l.file.Sync()
}

// Header returns the header of the underlying file.
func (l *Ledger) Header() Header {
	return l.header
}

// Path returns the file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close flushes and closes the file. Further appends return ErrClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
