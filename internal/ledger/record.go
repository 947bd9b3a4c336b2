package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is written into every new ledger header.
const SchemaVersion = "1.1.0"

// Header is the first line of every ledger file. It is written once, when
// the file is created, and never rewritten.
type Header struct {
	Version string `json:"version"`
	// CreatedAt is Unix milliseconds, like Record.TimestampMS.
	CreatedAt        int64            `json:"created_at"`
	ModelFingerprint ModelFingerprint `json:"model_fingerprint"`
	PromptHash       string           `json:"prompt_hash"`
	RecordHash       string           `json:"record_hash,omitempty"`
}

// Record is one decision. Records are never mutated after being written.
type Record struct {
	ID          uint64 `json:"id"`
	TimestampMS int64  `json:"timestamp_ms"`
	InputLog    string `json:"input_log"`
	InputHash   string `json:"input_hash"`
	Action      string `json:"action"`
	Confidence  int    `json:"confidence"`
	Filtered    bool   `json:"filtered"`
	// LatencyMS is microseconds for filtered records and milliseconds for
	// classified ones: the finest unit that matters for the path taken.
	LatencyMS        int64   `json:"latency_ms"`
	ModelFingerprint string  `json:"model_fingerprint"`
	PromptHash       string  `json:"prompt_hash"`
	RawResponse      *string `json:"raw_response,omitempty"`
	// Redacted is set when InputLog differs from the text InputHash covers.
	Redacted bool `json:"redacted,omitempty"`
	// TruncatedBytes counts input past the line limit that was not kept.
	// InputLog and InputHash cover the kept prefix.
	TruncatedBytes int64  `json:"truncated_bytes,omitempty"`
	PrevHash       string `json:"prev_hash"`
	RecordHash     string `json:"record_hash,omitempty"`
}

// Entry is the input to Append.
type Entry struct {
	Line        string
	Action      string
	Confidence  int
	Filtered    bool
	Latency     time.Duration
	RawResponse *string
	// DroppedBytes is how much of an over-long line was discarded.
	DroppedBytes int64
}

// latencyValue converts a duration to the unit recorded for its path.
func latencyValue(filtered bool, d time.Duration) int64 {
	if filtered {
		return d.Microseconds()
	}
	return d.Milliseconds()
}

// chainHash is sha256(prev || "\n" || json(v)). v must already have its own
// RecordHash cleared.
func chainHash(prev string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal ledger payload: %w", err)
	}
	return Digest(prev + "\n" + string(payload)), nil
}

func (h Header) hash() (string, error) {
	h.RecordHash = ""
	return chainHash("", h)
}

func (r Record) hash() (string, error) {
	r.RecordHash = ""
	return chainHash(r.PrevHash, r)
}
