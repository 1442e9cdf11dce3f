package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

// OpenAI-shape request types. Content is either a plain string or an
// array of typed parts, so it gets a custom unmarshaller.

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content chatContent `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatContent struct {
	Text   string
	Images []string
}

func (c *chatContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		return nil
	}
	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return errors.New("content must be a string or an array of parts")
	}
	var text strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "text":
			text.WriteString(p.Text)
		case "image_url":
			if p.ImageURL != nil && p.ImageURL.URL != "" {
				c.Images = append(c.Images, p.ImageURL.URL)
			}
		}
	}
	c.Text = text.String()
	return nil
}

func (c chatContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Text)
}

var errEmptyMessages = errors.New("messages cannot be empty")

// toWire converts the OpenAI body to vendor messages. When vision is
// off, image parts are dropped and the count reported back for
// telemetry.
func (req *chatRequest) toWire(allowVision bool) ([]wire.ChatMessage, int, error) {
	if len(req.Messages) == 0 {
		return nil, 0, errEmptyMessages
	}
	out := make([]wire.ChatMessage, 0, len(req.Messages))
	dropped := 0
	for i, m := range req.Messages {
		wm := wire.ChatMessage{Text: m.Content.Text}
		switch m.Role {
		case "system", "developer":
			wm.Role = wire.RoleSystem
		case "user":
			wm.Role = wire.RoleUser
		case "assistant":
			wm.Role = wire.RoleAssistant
		default:
			return nil, 0, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		if allowVision {
			for _, u := range m.Content.Images {
				wm.Images = append(wm.Images, wire.ImagePart{URL: u})
			}
		} else {
			dropped += len(m.Content.Images)
		}
		out = append(out, wm)
	}
	return out, dropped, nil
}

// Response shapes.

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *respMessage `json:"message,omitempty"`
	Delta        *respDelta   `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type respMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type respDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type usageBlock struct {
	PromptTokens     int32 `json:"prompt_tokens"`
	CompletionTokens int32 `json:"completion_tokens"`
	TotalTokens      int32 `json:"total_tokens"`
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"

	finishStop      = "stop"
	finishLength    = "length"
	finishToolCalls = "tool_calls"
)

func usageFrom(u *wire.StreamUsage) *usageBlock {
	if u == nil {
		return nil
	}
	return &usageBlock{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

// webRefsMarkdown renders citations the way they are appended to the
// final content: a markdown link list after a blank line.
func webRefsMarkdown(refs []wire.WebReference) string {
	if len(refs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n")
	for _, r := range refs {
		title := r.Title
		if title == "" {
			title = r.URL
		}
		fmt.Fprintf(&b, "- [%s](%s)\n", title, r.URL)
	}
	return b.String()
}
