package remote

import (
	"regexp"
	"strings"
)

const (
	// MaxOutputChars caps cleaned command output; longer output keeps its head and tail.
	MaxOutputChars  = 10000
	outputKeepChars = 5000
	truncatedMarker = "\n[...output truncated...]\n"
)

var (
	ansiPattern       = regexp.MustCompile(`\x1b(?:\[[0-?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[@-Z\\-_])`)
	loneCRPattern     = regexp.MustCompile(`\r([^\n]|$)`)
	boxDrawingPattern = regexp.MustCompile(`[\x{2500}-\x{257F}]`)
	blockPattern      = regexp.MustCompile(`[\x{2580}-\x{259F}]`)
	hSpacePattern     = regexp.MustCompile(`[ \t]+`)
	blankLinesPattern = regexp.MustCompile(`\n\s*\n`)
	nulPattern        = regexp.MustCompile("\x00")
)

// CleanOutput normalizes terminal output for inclusion in a transcript.
func CleanOutput(s string) string {
	if s == "" {
		return ""
	}
	s = nulPattern.ReplaceAllString(s, "")
	s = ansiPattern.ReplaceAllString(s, "")
	s = loneCRPattern.ReplaceAllString(s, "$1")
	s = boxDrawingPattern.ReplaceAllString(s, "-")
	s = blockPattern.ReplaceAllString(s, "#")
	s = hSpacePattern.ReplaceAllString(s, " ")
	s = blankLinesPattern.ReplaceAllString(s, "\n\n")

	if runes := []rune(s); len(runes) > MaxOutputChars {
		s = string(runes[:outputKeepChars]) + truncatedMarker + string(runes[len(runes)-outputKeepChars:])
	}
	return strings.TrimSpace(s)
}
