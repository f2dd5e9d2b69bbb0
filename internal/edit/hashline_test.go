package edit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileLines_LF(t *testing.T) {
	fl := ParseFileLines("a\nb\nc\n")
	assert.Equal(t, []string{"a", "b", "c"}, fl.Lines)
	assert.Equal(t, "\n", fl.LineEnding)
	assert.True(t, fl.TrailingNewline)
	assert.Equal(t, "a\nb\nc\n", fl.Render())
}

func TestParseFileLines_CRLF(t *testing.T) {
	fl := ParseFileLines("a\r\nb\r\nc")
	assert.Equal(t, []string{"a", "b", "c"}, fl.Lines)
	assert.Equal(t, "\r\n", fl.LineEnding)
	assert.False(t, fl.TrailingNewline)
	assert.Equal(t, "a\r\nb\r\nc", fl.Render())
}

func TestParseFileLines_Empty(t *testing.T) {
	fl := ParseFileLines("")
	assert.Empty(t, fl.Lines)
	assert.Equal(t, "", fl.Render())
}

func TestResolveAnchor_LiteralMatch(t *testing.T) {
	lines := []string{"alpha", "beta", "gamma"}
	anchor := Hashline(2, "beta")
	idx, err := ResolveAnchor(anchorOnly(anchor), lines)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestResolveAnchor_StaleLineNumberFindsNearest(t *testing.T) {
	// "dup" occurs at indices 0 and 4; a stale anchor claiming line 2 (index 1,
	// which holds "a") must resolve to the nearer occurrence (index 0).
	lines := []string{"dup", "a", "b", "c", "dup"}
	anchor := Hashline(2, "dup")
	idx, err := ResolveAnchor(anchorOnly(anchor), lines)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestResolveAnchor_EquidistantTieIsAmbiguous(t *testing.T) {
	// "dup" hashes the same wherever it appears; place two occurrences
	// equidistant from a stale line-number guess of 3 (indices 0 and 4, 0-based).
	lines := []string{"dup", "x", "mid", "y", "dup"}
	anchor := Hashline(3, "dup")
	_, err := ResolveAnchor(anchorOnly(anchor), lines)
	assert.Error(t, err)
}

func TestResolveAnchor_NotFound(t *testing.T) {
	lines := []string{"alpha", "beta"}
	_, err := ResolveAnchor("1:ffff", lines)
	assert.Error(t, err)
}

func TestResolveAnchor_EmptyFile(t *testing.T) {
	_, err := ResolveAnchor("1:aaaa", nil)
	assert.Error(t, err)
}

func TestReplacementLines_MultiLine(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ReplacementLines("a\nb"))
	assert.Equal(t, []string{"a", "b"}, ReplacementLines("a\nb\n"))
	assert.Equal(t, []string{""}, ReplacementLines(""))
}

func anchorOnly(hashlined string) string {
	for i := 0; i < len(hashlined); i++ {
		if hashlined[i] == '|' {
			return hashlined[:i]
		}
	}
	return hashlined
}
