package provider

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text using the cl100k_base
// BPE. When the encoding is unavailable (offline first run), it falls back to
// the rough 4-characters-per-token rule. Used when a provider response omits
// usage counts.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	if len(text) == 0 {
		return 0
	}
	return len(text)/4 + 1
}
