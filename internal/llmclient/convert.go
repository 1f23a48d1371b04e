package llmclient

import (
	"google.golang.org/genai"

	"github.com/xkilldash9x/vmpilot/internal/dispatch"
	"github.com/xkilldash9x/vmpilot/internal/history"
)

// toContents maps the transcript onto Gemini contents. The API has no system role inside
// contents, so system-style corrections are sent as user turns.
func toContents(msgs []history.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == history.RoleAssistant {
			role = genai.RoleModel
		}

		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Kind {
			case history.PartText:
				if p.Text != "" {
					parts = append(parts, &genai.Part{Text: p.Text})
				}
			case history.PartImage:
				if p.Image != nil && len(p.Image.Data) > 0 {
					parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: p.Image.MIMEType, Data: p.Image.Data}})
				}
			case history.PartToolCall:
				if p.ToolCall != nil {
					parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
						ID: p.ToolCall.ID, Name: p.ToolCall.Name, Args: p.ToolCall.Args,
					}})
				}
			case history.PartToolResult:
				if p.ToolResult != nil {
					parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
						ID: p.ToolResult.ID, Name: p.ToolResult.Name, Response: p.ToolResult.Result,
					}})
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

// toDeclarations builds function declarations from the dispatch table.
func toDeclarations(tools []dispatch.ToolSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(t.Params)),
		}
		for _, p := range t.Params {
			schema.Properties[p.Name] = paramSchema(p)
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return decls
}

func paramSchema(p dispatch.Param) *genai.Schema {
	s := &genai.Schema{Description: p.Description, Enum: p.Enum}
	switch p.Type {
	case dispatch.TypeInteger:
		s.Type = genai.TypeInteger
	case dispatch.TypeNumber:
		s.Type = genai.TypeNumber
	case dispatch.TypeBoolean:
		s.Type = genai.TypeBoolean
	case dispatch.TypeStringList:
		s.Type = genai.TypeArray
		s.Items = &genai.Schema{Type: genai.TypeString}
	default:
		s.Type = genai.TypeString
	}
	return s
}

// fromResponse extracts tool calls, text and usage from the first candidate.
func fromResponse(resp *genai.GenerateContentResponse, model string) *Decision {
	d := &Decision{Usage: Usage{Model: model}}
	if resp == nil {
		return d
	}
	for _, fc := range resp.FunctionCalls() {
		if fc == nil {
			continue
		}
		args := fc.Args
		if args == nil {
			args = map[string]any{}
		}
		d.Calls = append(d.Calls, history.ToolCall{ID: fc.ID, Name: fc.Name, Args: args})
	}
	d.Text = textOf(resp)
	if resp.UsageMetadata != nil {
		d.Usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		d.Usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return d
}

// textOf joins the non-thought text parts of the first candidate.
func textOf(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought || p.Text == "" {
			continue
		}
		text += p.Text
	}
	return text
}
