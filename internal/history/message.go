// internal/history/message.go
package history

import (
	"strings"
	"time"
)

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartKind enumerates the content part variants.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// Tag classifies a text part so retention can select annotations by type rather than position.
type Tag string

const (
	TagNone            Tag = ""
	TagScreenInfo      Tag = "screen_info"
	TagUserInteraction Tag = "user_interaction"
	TagInformation     Tag = "information"
	TagSystemMessage   Tag = "system_message"
	TagWarning         Tag = "warning"
)

// Image is an inline image attachment.
type Image struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// ToolCall is one tool invocation chosen by the decision service.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Result map[string]any `json:"result"`
}

// Part is one content part. Exactly one of Text, Image, ToolCall or ToolResult is meaningful, selected by Kind.
type Part struct {
	Kind       PartKind    `json:"kind"`
	Tag        Tag         `json:"tag,omitempty"`
	Text       string      `json:"text,omitempty"`
	Image      *Image      `json:"image,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Text builds an untagged text part.
func Text(s string) Part {
	return Part{Kind: PartText, Text: s}
}

// Tagged wraps body in <tag> markers and tags the part.
func Tagged(tag Tag, body string) Part {
	return Part{Kind: PartText, Tag: tag, Text: "<" + string(tag) + ">" + body + "</" + string(tag) + ">"}
}

// ImagePart builds an image part.
func ImagePart(mimeType string, data []byte) Part {
	return Part{Kind: PartImage, Image: &Image{MIMEType: mimeType, Data: data}}
}

// CallPart builds a tool call part.
func CallPart(call ToolCall) Part {
	return Part{Kind: PartToolCall, ToolCall: &call}
}

// ResultPart builds a tool result part.
func ResultPart(res ToolResult) Part {
	return Part{Kind: PartToolResult, ToolResult: &res}
}

// NewMessage stamps a message with the current time.
func NewMessage(role Role, parts ...Part) Message {
	return Message{Role: role, Parts: parts, CreatedAt: time.Now().UTC()}
}

// HasTag reports whether the message carries a part with the given tag.
func (m Message) HasTag(tag Tag) bool {
	for _, p := range m.Parts {
		if p.Kind == PartText && p.Tag == tag {
			return true
		}
	}
	return false
}

// ToolCalls returns the tool invocations carried by the message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// PlainText joins the untagged text parts.
func (m Message) PlainText() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText && p.Tag == TagNone {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func (p Part) isImage() bool {
	return p.Kind == PartImage && p.Image != nil
}

func (p Part) isScreenInfo() bool {
	return p.Kind == PartText && p.Tag == TagScreenInfo
}
