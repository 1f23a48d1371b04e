package remote

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"ansi colors", "\x1b[32mPASS\x1b[0m ok", "PASS ok"},
		{"cursor control", "\x1b[?25lloading\x1b[?25h", "loading"},
		{"osc title", "\x1b]0;PowerShell\x07prompt", "prompt"},
		{"lone carriage return", "10%\r50%\r100%\n", "10%50%100%"},
		{"crlf kept", "a\r\nb", "a\r\nb"},
		{"box drawing", "┌──┐", "----"},
		{"block elements", "▓▓░", "###"},
		{"spaces collapsed", "a    b\t\tc", "a b c"},
		{"blank lines collapsed", "one\n\n\n  \ntwo", "one\n\ntwo"},
		{"trimmed", "  \n value \n ", "value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanOutput(tt.in))
		})
	}
}

func TestCleanOutputTruncation(t *testing.T) {
	head := strings.Repeat("h", outputKeepChars)
	middle := strings.Repeat("m", 3000)
	tail := strings.Repeat("t", outputKeepChars)

	got := CleanOutput(head + middle + tail)

	assert.True(t, strings.HasPrefix(got, head))
	assert.True(t, strings.HasSuffix(got, tail))
	assert.Contains(t, got, "[...output truncated...]")
	assert.NotContains(t, got, "m")

	short := strings.Repeat("x", MaxOutputChars)
	assert.Equal(t, short, CleanOutput(short), "output at the limit is left intact")
}

func TestCleanOutputCountsRunes(t *testing.T) {
	in := strings.Repeat("é", MaxOutputChars)
	assert.Equal(t, in, CleanOutput(in))
}
