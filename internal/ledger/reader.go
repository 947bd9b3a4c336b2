package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
)

// Line is one parsed ledger line.
type Line struct {
	Number int
	Raw    string
	Header *Header
	Record *Record
	// Repaired is set when the line was not valid JSON as written, typically
	// the tail of a write interrupted by a crash, and was recovered with
	// JSON repair.
	Repaired bool
	// Err is set when the line could not be parsed even after repair.
	Err error
}

// Read parses every non-blank line of the ledger at path.
func Read(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadFrom(f)
}

// ReadFrom parses ledger lines from r.
func ReadFrom(r io.Reader) ([]Line, error) {
	br := bufio.NewReader(r)
	var lines []Line
	n := 0
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			n++
			body := bytes.TrimSpace(raw)
			if len(body) > 0 {
				lines = append(lines, parseLine(n, body))
			}
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, fmt.Errorf("read ledger: %w", err)
		}
	}
}

func parseLine(n int, body []byte) Line {
	line := Line{Number: n, Raw: string(body)}

	if !json.Valid(body) {
		repaired, err := jsonrepair.JSONRepair(string(body))
		if err != nil {
			line.Err = fmt.Errorf("line %d: unparseable: %w", n, err)
			return line
		}
		body = []byte(repaired)
		line.Repaired = true
	}

	if h, ok := parseHeader(body); ok {
		line.Header = &h
		return line
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		line.Err = fmt.Errorf("line %d: %w", n, err)
		return line
	}
	line.Record = &rec
	return line
}

// VerifyResult summarizes a Verify pass.
type VerifyResult struct {
	Pass    bool
	Records int
	// Torn lists line numbers of interrupted writes. The chain skips them.
	Torn        []int
	BrokenLine  int
	BrokenCause string
}

// Verify checks that lines form a valid ledger: a header first, ids
// increasing by one from 1, input hashes matching unredacted input, and an
// unbroken hash chain. It stops at the first violation.
func Verify(lines []Line) VerifyResult {
	res := VerifyResult{Pass: true}
	fail := func(n int, format string, args ...any) VerifyResult {
		res.Pass = false
		res.BrokenLine = n
		res.BrokenCause = fmt.Sprintf(format, args...)
		return res
	}

	if len(lines) == 0 {
		return fail(0, "empty ledger")
	}
	first := lines[0]
	if first.Header == nil || first.Repaired {
		return fail(first.Number, "first line is not a ledger header")
	}

	h := *first.Header
	want, err := h.hash()
	if err != nil {
		return fail(first.Number, "%v", err)
	}
	if h.RecordHash != want {
		return fail(first.Number, "header hash mismatch")
	}

	prev := h.RecordHash
	var lastID uint64
	for _, line := range lines[1:] {
		if line.Repaired || line.Err != nil {
			res.Torn = append(res.Torn, line.Number)
			continue
		}
		if line.Header != nil {
			return fail(line.Number, "unexpected second header")
		}

		rec := *line.Record
		if rec.ID != lastID+1 {
			return fail(line.Number, "id %d follows %d", rec.ID, lastID)
		}
		// Redacted input and input that was not valid UTF-8 no longer carry
		// the exact bytes the hash was taken over.
		lossy := rec.Redacted || strings.ContainsRune(rec.InputLog, utf8.RuneError)
		if !lossy && Digest(rec.InputLog) != rec.InputHash {
			return fail(line.Number, "input_hash does not match input_log")
		}
		if rec.PrevHash != prev {
			return fail(line.Number, "prev_hash does not link to line before")
		}
		want, err := rec.hash()
		if err != nil {
			return fail(line.Number, "%v", err)
		}
		if rec.RecordHash != want {
			return fail(line.Number, "record_hash mismatch")
		}

		prev = rec.RecordHash
		lastID = rec.ID
		res.Records++
	}

	return res
}
