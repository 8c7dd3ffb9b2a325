package llmutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripThink(t *testing.T) {
	assert.Equal(t, "answer", StripThink("<think>\nhmm\n</think>answer"))
	assert.Equal(t, "a  b", StripThink("a <think>x</think> b"))
	assert.Equal(t, "plain", StripThink("plain"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
}

func TestStringOrDefault(t *testing.T) {
	assert.Equal(t, "x", StringOrDefault("x", "y"))
	assert.Equal(t, "y", StringOrDefault("", "y"))
}
