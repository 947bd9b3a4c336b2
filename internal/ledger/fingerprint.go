package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// shortHashLen is the number of hex digits kept in per-record fingerprints.
const shortHashLen = 8

// Digest returns the lowercase hex SHA-256 of s. It is used for input
// hashes, configuration hashes, prompt hashes and the record chain.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Short truncates a hex digest for per-record fingerprints.
func Short(digest string) string {
	if len(digest) <= shortHashLen {
		return digest
	}
	return digest[:shortHashLen]
}

// ModelFingerprint identifies the classifier configuration in force. It is
// computed once at startup and never changes for the process lifetime.
type ModelFingerprint struct {
	ModelName   string  `json:"model_name"`
	LLMURL      string  `json:"llm_url"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
	ConfigHash  string  `json:"config_hash"`
}

// NewModelFingerprint hashes the model configuration.
func NewModelFingerprint(model, llmURL string, maxTokens int, temperature float32) ModelFingerprint {
	config := strings.Join([]string{
		model,
		llmURL,
		strconv.Itoa(maxTokens),
		strconv.FormatFloat(float64(temperature), 'f', -1, 32),
	}, "|")

	return ModelFingerprint{
		ModelName:   model,
		LLMURL:      llmURL,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		ConfigHash:  Digest(config),
	}
}

// Short returns "<model>@<first 8 hex of config hash>".
func (m ModelFingerprint) Short() string {
	return m.ModelName + "@" + Short(m.ConfigHash)
}
