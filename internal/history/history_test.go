package history

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/perception"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

// cycleMessages builds a transcript shaped like a session: each cycle has a screen message
// with one image and a screen_info annotation, followed by a model call and its result.
func cycleMessages(cycles int) []Message {
	msgs := []Message{NewMessage(RoleUser, Tagged(TagUserInteraction, "open settings"))}
	for i := 0; i < cycles; i++ {
		msgs = append(msgs,
			NewMessage(RoleUser,
				ImagePart("image/png", pngHeader),
				Tagged(TagScreenInfo, fmt.Sprintf("\nID: 0, Icon: cycle %d\n", i)),
			),
			NewMessage(RoleAssistant, CallPart(ToolCall{Name: "wait", Args: map[string]any{"duration": 1}})),
			NewMessage(RoleUser, ResultPart(ToolResult{Name: "wait", Result: map[string]any{"status": "success"}})),
		)
	}
	return msgs
}

func TestCompactBoundsScreenInfoAndImages(t *testing.T) {
	msgs := cycleMessages(15)

	out := Compact(msgs, 10, 3)
	info, images := Count(out)
	assert.Equal(t, 10, info)
	assert.Equal(t, 3, images)

	// The newest annotations are the ones kept.
	last, ok := lastScreenInfo(out)
	require.True(t, ok)
	assert.Contains(t, last, "cycle 14")
	first, _ := firstScreenInfo(out)
	assert.Contains(t, first, "cycle 5")
}

func TestCompactDropsEmptiedUserMessages(t *testing.T) {
	msgs := []Message{
		NewMessage(RoleUser, ImagePart("image/png", pngHeader)),
		NewMessage(RoleUser, Tagged(TagScreenInfo, "old")),
		NewMessage(RoleAssistant, Text("thinking")),
		NewMessage(RoleUser, ImagePart("image/png", pngHeader), Tagged(TagScreenInfo, "new")),
	}

	out := Compact(msgs, 1, 1)
	require.Len(t, out, 2)
	assert.Equal(t, RoleAssistant, out[0].Role)
	assert.Len(t, out[1].Parts, 2)
}

func TestCompactKeepsTextOfImageBearingMessages(t *testing.T) {
	msgs := []Message{
		NewMessage(RoleUser, ImagePart("image/png", pngHeader), Tagged(TagUserInteraction, "hello")),
		NewMessage(RoleUser, ImagePart("image/png", pngHeader)),
	}
	out := Compact(msgs, 10, 1)
	require.Len(t, out, 2)
	require.Len(t, out[0].Parts, 1)
	assert.Equal(t, TagUserInteraction, out[0].Parts[0].Tag)
}

func TestCompactCountsImagesAcrossRoles(t *testing.T) {
	msgs := []Message{
		NewMessage(RoleUser, ImagePart("image/png", pngHeader), Text("a")),
		NewMessage(RoleAssistant, ImagePart("image/png", pngHeader), Text("b")),
		NewMessage(RoleUser, ImagePart("image/png", pngHeader), ImagePart("image/png", pngHeader)),
	}
	out := Compact(msgs, 10, 2)
	_, images := Count(out)
	assert.Equal(t, 2, images)
	assert.Len(t, out[0].Parts, 1)
	assert.Len(t, out[1].Parts, 1)
	assert.Len(t, out[2].Parts, 2)
}

func TestCompactIgnoresScreenInfoOutsideUserMessages(t *testing.T) {
	msgs := []Message{
		NewMessage(RoleSystem, Tagged(TagScreenInfo, "system copy")),
		NewMessage(RoleUser, Tagged(TagScreenInfo, "a")),
		NewMessage(RoleUser, Tagged(TagScreenInfo, "b")),
	}
	out := Compact(msgs, 1, 3)
	require.Len(t, out, 2)
	assert.Equal(t, RoleSystem, out[0].Role)
	assert.Contains(t, out[1].Parts[0].Text, "b")
}

func TestCompactIsIdempotent(t *testing.T) {
	cases := []struct {
		name string
		msgs []Message
		k, m int
	}{
		{"defaults over a long session", cycleMessages(20), 10, 3},
		{"tight limits", cycleMessages(7), 1, 1},
		{"zero limits", cycleMessages(4), 0, 0},
		{"limits above content", cycleMessages(2), 10, 3},
		{"empty", nil, 10, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			once := Compact(tc.msgs, tc.k, tc.m)
			twice := Compact(once, tc.k, tc.m)
			if diff := cmp.Diff(once, twice); diff != "" {
				t.Errorf("second compaction changed the transcript (-once +twice):\n%s", diff)
			}
			info, images := Count(once)
			assert.LessOrEqual(t, info, tc.k)
			assert.LessOrEqual(t, images, tc.m)
		})
	}
}

func TestCompactDoesNotModifyInput(t *testing.T) {
	msgs := cycleMessages(5)
	before := Compact(msgs, 100, 100)

	Compact(msgs, 1, 1)
	if diff := cmp.Diff(before, Compact(msgs, 100, 100)); diff != "" {
		t.Errorf("input transcript was modified:\n%s", diff)
	}
}

func TestManagerAppendAndCompacted(t *testing.T) {
	mgr := NewManager(config.HistoryConfig{MaxScreenInfo: 2, MaxImages: 1}, cycleMessages(1))
	mgr.Append(cycleMessages(3)...)

	assert.Equal(t, 4+10, mgr.Len())
	full := mgr.Messages()
	info, images := Count(full)
	assert.Equal(t, 4, info)
	assert.Equal(t, 4, images)

	info, images = Count(mgr.Compacted())
	assert.Equal(t, 2, info)
	assert.Equal(t, 1, images)

	// Compaction never edits the stored transcript.
	assert.Equal(t, 4+10, mgr.Len())

	last, ok := mgr.Last()
	require.True(t, ok)
	assert.Equal(t, RoleUser, last.Role)
}

func TestScreenMessage(t *testing.T) {
	screen := &perception.Screen{
		Image: pngHeader,
		Elements: []perception.Element{
			{Index: 0, Kind: perception.KindIcon, Content: "Settings"},
			{Index: 1, Kind: perception.KindText, Content: "Enable screenshots"},
		},
		Overlay: base64.StdEncoding.EncodeToString(pngHeader),
	}

	msg, err := ScreenMessage(screen, ScreenOptions{
		SendScreenshot:       true,
		SendParsedScreenshot: true,
		UserInput:            "open settings and enable screenshots",
		Degraded:             true,
	})
	require.NoError(t, err)
	require.Len(t, msg.Parts, 5)

	assert.Equal(t, "image/png", msg.Parts[0].Image.MIMEType)
	assert.Equal(t, PartImage, msg.Parts[1].Kind)
	assert.Equal(t, "<screen_info>\nID: 0, Icon: Settings\nID: 1, Text: Enable screenshots\n\n</screen_info>", msg.Parts[2].Text)
	assert.Equal(t, "<user_interaction>open settings and enable screenshots</user_interaction>", msg.Parts[3].Text)
	assert.True(t, msg.HasTag(TagInformation))
}

func TestScreenMessageMinimal(t *testing.T) {
	msg, err := ScreenMessage(&perception.Screen{Image: pngHeader}, ScreenOptions{})
	require.NoError(t, err)
	require.Len(t, msg.Parts, 1)
	assert.True(t, msg.HasTag(TagScreenInfo))
	assert.False(t, msg.HasTag(TagInformation))
}

func TestScreenMessageRejectsBadOverlay(t *testing.T) {
	_, err := ScreenMessage(&perception.Screen{Overlay: "%%%"}, ScreenOptions{SendParsedScreenshot: true})
	assert.Error(t, err)
}

func TestMessageHelpers(t *testing.T) {
	msg := NewMessage(RoleAssistant,
		Text("first"),
		CallPart(ToolCall{Name: "mouse_click", Args: map[string]any{"box_id": 3}}),
		Tagged(TagSystemMessage, "ignored"),
		Text("second"),
	)
	assert.Equal(t, "first\nsecond", msg.PlainText())
	calls := msg.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "mouse_click", calls[0].Name)
}

func lastScreenInfo(msgs []Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		for _, p := range msgs[i].Parts {
			if p.isScreenInfo() {
				return p.Text, true
			}
		}
	}
	return "", false
}

func firstScreenInfo(msgs []Message) (string, bool) {
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.isScreenInfo() && strings.HasPrefix(p.Text, "<screen_info>") {
				return p.Text, true
			}
		}
	}
	return "", false
}
