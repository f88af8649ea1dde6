package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApproximateCount(t *testing.T) {
	tok := Approximate{}
	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 2, tok.Count("hello world"))
	// punctuation counted separately
	assert.Equal(t, 3, tok.Count("hello, world"))
}

func TestApproximateRoundTrip(t *testing.T) {
	tok := Approximate{}
	s := "the quick brown fox"
	assert.Equal(t, s, tok.Decode(tok.Encode(s)))
}

func TestNewFallsBackOnUnknownEncoding(t *testing.T) {
	tok := New("definitely-not-an-encoding")
	assert.Equal(t, "approximate", tok.Name())
	assert.Greater(t, tok.Count("some text"), 0)
}
