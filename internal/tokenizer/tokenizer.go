// Package tokenizer provides token counting and encode/decode used by the
// chunker and by the token-budgeted prompt packing.
package tokenizer

import (
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// Tokenizer encodes and decodes text to token ids.
type Tokenizer interface {
	Encode(s string) []int
	Decode(tokens []int) string
	Count(s string) int
	Name() string
}

// New returns a tiktoken-backed tokenizer for the given encoding name
// (e.g. "cl100k_base"). When the encoding cannot be loaded (offline, unknown
// name) it falls back to the approximate tokenizer so the engine keeps working.
func New(encoding string) Tokenizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		log.Warn().Err(err).Str("encoding", encoding).Msg("tiktoken unavailable, using approximate tokenizer")
		return Approximate{}
	}
	return &tikTokenizer{enc: enc, name: encoding}
}

type tikTokenizer struct {
	enc  *tiktoken.Tiktoken
	name string
}

func (t *tikTokenizer) Encode(s string) []int      { return t.enc.Encode(s, nil, nil) }
func (t *tikTokenizer) Decode(tokens []int) string { return t.enc.Decode(tokens) }
func (t *tikTokenizer) Count(s string) int         { return len(t.enc.Encode(s, nil, nil)) }
func (t *tikTokenizer) Name() string               { return t.name }

// Approximate is a dependency-free tokenizer used when the real encoding is
// unavailable. Encode maps each rune to one token and Decode inverts it
// exactly; Count uses a word+punctuation heuristic, so Count(s) and
// len(Encode(s)) differ.
type Approximate struct{}

func (Approximate) Name() string { return "approximate" }

func (Approximate) Count(s string) int {
	inWord := false
	count := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			if inWord {
				count++
				inWord = false
			}
		} else if unicode.IsPunct(r) {
			if inWord {
				count++
				inWord = false
			}
			count++
		} else {
			inWord = true
		}
	}
	if inWord {
		count++
	}
	return count
}

// Encode maps runes to ints; a rune is close enough to a token for budget
// enforcement when no real encoding is loadable.
func (Approximate) Encode(s string) []int {
	runes := []rune(s)
	out := make([]int, len(runes))
	for i, r := range runes {
		out[i] = int(r)
	}
	return out
}

func (Approximate) Decode(tokens []int) string {
	runes := make([]rune, len(tokens))
	for i, t := range tokens {
		runes[i] = rune(t)
	}
	return string(runes)
}
