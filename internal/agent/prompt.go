package agent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/xkilldash9x/vmpilot/internal/store"
)

//go:embed prompts/system.md
var defaultPrompt string

const (
	screenshotPlaceholder = "{{SCREENSHOT_PROMPT_SUFFIX}}"
	screenInputsPrefix    = "\nFor each interaction, you will receive the following information:\n" +
		"1. A list of all detected elements on the screen by ID with their text or icon description."

	closingInstruction = "Your task is completed. You can now speak with the user. The user does not see the tools " +
		"you used or their results. Give a final answer to the initial user message."
	noToolCorrection = "WARNING: You did not use any tool, and answering without a tool is not allowed. Please use a tool."
	waitWarning      = "WARNING: You waited %d times in a row. Retry your last action if there is no clear sign of " +
		"loading or progress on screen. Ignore this warning if an installation or a similar long process is running."
	stoppedText = "Request stopped by user."
)

// LoadPrompt returns the prompt at path, or the built-in prompt when path is empty.
func LoadPrompt(path string) (string, error) {
	if path == "" {
		return defaultPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %s: %w", path, err)
	}
	return string(data), nil
}

// renderPrompt fills in the description of the screen inputs the session will send.
func renderPrompt(base string, prefs store.Preferences) string {
	suffix := screenInputsPrefix
	switch {
	case prefs.SendScreenshot && prefs.SendParsedScreenshot:
		suffix += "\n2. Two screenshots:\n   - The current screen\n" +
			"   - The same screenshot with the element boxes drawn on it, to help you locate elements"
	case prefs.SendScreenshot:
		suffix += "\n2. A screenshot of the current screen"
	case prefs.SendParsedScreenshot:
		suffix += "\n2. A screenshot with the element boxes drawn on it, to help you locate elements"
	}
	if !strings.Contains(base, screenshotPlaceholder) {
		return base + "\n" + suffix
	}
	return strings.Replace(base, screenshotPlaceholder, suffix, 1)
}
