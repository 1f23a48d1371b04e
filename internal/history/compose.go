package history

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/xkilldash9x/vmpilot/internal/perception"
)

const degradedNotice = "The remote computer is not controllable right now. Only the session control tools " +
	"(wait, message_notify_user, message_ask_user, task_done) are available. The machine is probably " +
	"restarting or updating."

// ScreenOptions selects what goes into a screen message.
type ScreenOptions struct {
	SendScreenshot       bool
	SendParsedScreenshot bool
	// UserInput is the user's text, set on the first message of a request.
	UserInput string
	Degraded  bool
}

// ScreenInfo lists the elements of a capture, one per line, addressed by box id.
func ScreenInfo(elements []perception.Element) string {
	var sb strings.Builder
	for _, e := range elements {
		switch e.Kind {
		case perception.KindText:
			fmt.Fprintf(&sb, "ID: %d, Text: %s\n", e.Index, e.Content)
		case perception.KindIcon:
			fmt.Fprintf(&sb, "ID: %d, Icon: %s\n", e.Index, e.Content)
		}
	}
	return sb.String()
}

// ScreenMessage builds the user message describing a capture.
func ScreenMessage(screen *perception.Screen, opts ScreenOptions) (Message, error) {
	var parts []Part

	if opts.SendScreenshot && len(screen.Image) > 0 {
		parts = append(parts, ImagePart(http.DetectContentType(screen.Image), screen.Image))
	}
	if opts.SendParsedScreenshot && screen.Overlay != "" {
		overlay, err := base64.StdEncoding.DecodeString(screen.Overlay)
		if err != nil {
			return Message{}, fmt.Errorf("failed to decode parsed overlay: %w", err)
		}
		parts = append(parts, ImagePart(http.DetectContentType(overlay), overlay))
	}

	parts = append(parts, Tagged(TagScreenInfo, "\n"+ScreenInfo(screen.Elements)+"\n"))

	if opts.UserInput != "" {
		parts = append(parts, Tagged(TagUserInteraction, opts.UserInput))
	}
	if opts.Degraded {
		parts = append(parts, Tagged(TagInformation, degradedNotice))
	}
	return NewMessage(RoleUser, parts...), nil
}
