package llmclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/xkilldash9x/vmpilot/internal/history"
)

func TestToContentsMapsRolesAndParts(t *testing.T) {
	call := history.ToolCall{ID: "c1", Name: "mouse_click", Args: map[string]any{"box_id": 0}}
	msgs := []history.Message{
		history.NewMessage(history.RoleUser,
			history.Text("open settings"),
			history.ImagePart("image/png", []byte{0x89, 'P', 'N', 'G'}),
			history.Tagged(history.TagScreenInfo, "\nID: 0, Icon: Settings\n"),
		),
		history.NewMessage(history.RoleAssistant, history.CallPart(call)),
		history.NewMessage(history.RoleUser, history.ResultPart(history.ToolResult{
			ID: "c1", Name: "mouse_click", Result: map[string]any{"status": "success"},
		})),
		history.NewMessage(history.RoleSystem, history.Text("You must use a tool.")),
		// Emptied by compaction.
		history.NewMessage(history.RoleUser, history.ImagePart("image/png", nil)),
	}

	got := toContents(msgs)
	require.Len(t, got, 4)

	assert.Equal(t, genai.RoleUser, got[0].Role)
	require.Len(t, got[0].Parts, 3)
	assert.Equal(t, "image/png", got[0].Parts[1].InlineData.MIMEType)
	assert.Equal(t, "<screen_info>\nID: 0, Icon: Settings\n</screen_info>", got[0].Parts[2].Text)

	assert.Equal(t, genai.RoleModel, got[1].Role)
	assert.Equal(t, "mouse_click", got[1].Parts[0].FunctionCall.Name)
	assert.Equal(t, "c1", got[1].Parts[0].FunctionCall.ID)

	assert.Equal(t, genai.RoleUser, got[2].Role)
	assert.Equal(t, map[string]any{"status": "success"}, got[2].Parts[0].FunctionResponse.Response)

	assert.Equal(t, genai.RoleUser, got[3].Role, "system corrections are sent as user turns")
}

func TestFromResponseSkipsThoughts(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			{Text: "thinking...", Thought: true},
			{Text: "Done."},
			{FunctionCall: &genai.FunctionCall{Name: "task_done"}},
		}},
	}}}
	d := fromResponse(resp, "m")
	assert.Equal(t, "Done.", d.Text)
	require.Len(t, d.Calls, 1)
	assert.NotNil(t, d.Calls[0].Args)
}
