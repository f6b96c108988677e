package database

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateKeepsShortStrings(t *testing.T) {
	assert.Equal(t, "boom", truncate("boom", maxErrorMessageLen))
	assert.Equal(t, "", truncate("", maxErrorMessageLen))
}

func TestTruncateCutsAtLimit(t *testing.T) {
	long := strings.Repeat("x", maxErrorMessageLen+100)
	got := truncate(long, maxErrorMessageLen)
	assert.Len(t, got, maxErrorMessageLen)
}

func TestTruncateNeverSplitsRunes(t *testing.T) {
	// "é" is two bytes; an odd limit would land mid-rune on a byte-wise cut.
	long := strings.Repeat("é", 2000)
	for _, max := range []int{1, 2, 3, 1999, 2000, 4001} {
		got := truncate(long, max)
		assert.True(t, utf8.ValidString(got), "max=%d", max)
		assert.LessOrEqual(t, len(got), max, "max=%d", max)
	}
}
