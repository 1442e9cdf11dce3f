package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The vendor schema is closed and versioned by the vendor; messages here are
// hand-encoded with protowire so no generated code or runtime reflection is
// involved. Unknown fields survive a decode/encode round trip.

// Role values on the chat wire.
const (
	RoleUnspecified int32 = 0
	RoleSystem      int32 = 1
	RoleUser        int32 = 2
	RoleAssistant   int32 = 3
)

// UsageRule kinds.
const (
	UsageRuleDefault  int32 = 0
	UsageRuleDisabled int32 = 1
	UsageRuleAll      int32 = 2
	UsageRuleCustom   int32 = 3
)

// ImagePart is one image attachment of a chat message.
type ImagePart struct {
	URL string
}

// ChatMessage is one conversation turn in the outbound request.
type ChatMessage struct {
	Role      int32
	Text      string
	Images    []ImagePart
	MessageID string
}

// UsageRule selects which models trigger a usage-profile check.
type UsageRule struct {
	Kind     int32
	ModelIDs []string
}

// ChatRequest is the outer message POSTed to the vendor chat endpoint.
// Stream is always true on the wire.
type ChatRequest struct {
	Messages             []ChatMessage
	Model                string
	RequestID            string
	SessionID            string
	ConfigVersion        string
	Stream               bool
	EnableSlowPool       bool
	IncludeWebReferences bool
	UsageRule            *UsageRule
}

func (m *ImagePart) marshal(b []byte) []byte {
	if m.URL != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.URL)
	}
	return b
}

func (m *ChatMessage) marshal(b []byte) []byte {
	if m.Role != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Role))
	}
	if m.Text != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}
	for i := range m.Images {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Images[i].marshal(nil))
	}
	if m.MessageID != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.MessageID)
	}
	return b
}

func (m *UsageRule) marshal(b []byte) []byte {
	if m.Kind != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Kind))
	}
	for _, id := range m.ModelIDs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b
}

// Marshal serializes the request to vendor wire bytes.
func (m *ChatRequest) Marshal() []byte {
	var b []byte
	for i := range m.Messages {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Messages[i].marshal(nil))
	}
	if m.Model != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Model)
	}
	if m.RequestID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.RequestID)
	}
	if m.SessionID != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.SessionID)
	}
	if m.ConfigVersion != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.ConfigVersion)
	}
	if m.Stream {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.EnableSlowPool {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.IncludeWebReferences {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.UsageRule != nil {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, m.UsageRule.marshal(nil))
	}
	return b
}

// UnmarshalChatRequest decodes vendor wire bytes. Used by tests and the CPP
// relay's request inspection; unknown fields are retained nowhere since the
// request side is always produced locally.
func UnmarshalChatRequest(data []byte) (*ChatRequest, error) {
	m := &ChatRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: chat request: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			msg, err := unmarshalChatMessage(v)
			if err != nil {
				return nil, err
			}
			m.Messages = append(m.Messages, msg)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Model = v
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.RequestID = v
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.SessionID = v
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.ConfigVersion = v
			data = data[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Stream = v != 0
			data = data[n:]
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.EnableSlowPool = v != 0
			data = data[n:]
		case num == 8 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.IncludeWebReferences = v != 0
			data = data[n:]
		case num == 9 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			rule, err := unmarshalUsageRule(v)
			if err != nil {
				return nil, err
			}
			m.UsageRule = rule
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func unmarshalChatMessage(data []byte) (ChatMessage, error) {
	var m ChatMessage
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Role = int32(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Text = v
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			var img ImagePart
			inner := v
			for len(inner) > 0 {
				inum, ityp, in := protowire.ConsumeTag(inner)
				if in < 0 {
					return m, protowire.ParseError(in)
				}
				inner = inner[in:]
				if inum == 1 && ityp == protowire.BytesType {
					s, sn := protowire.ConsumeString(inner)
					if sn < 0 {
						return m, protowire.ParseError(sn)
					}
					img.URL = s
					inner = inner[sn:]
					continue
				}
				in = protowire.ConsumeFieldValue(inum, ityp, inner)
				if in < 0 {
					return m, protowire.ParseError(in)
				}
				inner = inner[in:]
			}
			m.Images = append(m.Images, img)
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.MessageID = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func unmarshalUsageRule(data []byte) (*UsageRule, error) {
	m := &UsageRule{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Kind = int32(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.ModelIDs = append(m.ModelIDs, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// Thinking is a reasoning delta on the response stream.
type Thinking struct {
	Text      string
	Signature string
	Redacted  string
}

// WebReference is one citation returned by the vendor.
type WebReference struct {
	URL   string
	Title string
	Chunk string
}

// StreamUsage reports token accounting as seen by the vendor.
type StreamUsage struct {
	InputTokens  int32
	OutputTokens int32
	CacheRead    int32
	Truncated    bool
}

// ServerInfo carries model/timing echo from the vendor.
type ServerInfo struct {
	Model          string
	ServerTimingMs uint32
}

// ToolCall is an incremental client-side tool invocation.
type ToolCall struct {
	ID          string
	Name        string
	RawArgs     string
	IsStreaming bool
	IsLast      bool
}

// StreamMessage is the oneof decoded from a message frame. Exactly one of
// the pointer fields (or Text, or End) is populated per frame; unknown
// fields are kept verbatim in Unknown.
type StreamMessage struct {
	Text     string
	Thinking *Thinking
	WebRefs  []WebReference
	Usage    *StreamUsage
	Server   *ServerInfo
	Tool     *ToolCall
	End      bool
	Unknown  []byte
}

// Marshal re-emits the message, used on the mock-upstream side of tests.
func (m *StreamMessage) Marshal() []byte {
	var b []byte
	if m.Text != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}
	if m.Thinking != nil {
		var t []byte
		if m.Thinking.Text != "" {
			t = protowire.AppendTag(t, 1, protowire.BytesType)
			t = protowire.AppendString(t, m.Thinking.Text)
		}
		if m.Thinking.Signature != "" {
			t = protowire.AppendTag(t, 2, protowire.BytesType)
			t = protowire.AppendString(t, m.Thinking.Signature)
		}
		if m.Thinking.Redacted != "" {
			t = protowire.AppendTag(t, 3, protowire.BytesType)
			t = protowire.AppendString(t, m.Thinking.Redacted)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, t)
	}
	for _, ref := range m.WebRefs {
		var r []byte
		if ref.URL != "" {
			r = protowire.AppendTag(r, 1, protowire.BytesType)
			r = protowire.AppendString(r, ref.URL)
		}
		if ref.Title != "" {
			r = protowire.AppendTag(r, 2, protowire.BytesType)
			r = protowire.AppendString(r, ref.Title)
		}
		if ref.Chunk != "" {
			r = protowire.AppendTag(r, 3, protowire.BytesType)
			r = protowire.AppendString(r, ref.Chunk)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r)
	}
	if m.Usage != nil {
		var u []byte
		if m.Usage.InputTokens != 0 {
			u = protowire.AppendTag(u, 1, protowire.VarintType)
			u = protowire.AppendVarint(u, uint64(m.Usage.InputTokens))
		}
		if m.Usage.OutputTokens != 0 {
			u = protowire.AppendTag(u, 2, protowire.VarintType)
			u = protowire.AppendVarint(u, uint64(m.Usage.OutputTokens))
		}
		if m.Usage.CacheRead != 0 {
			u = protowire.AppendTag(u, 3, protowire.VarintType)
			u = protowire.AppendVarint(u, uint64(m.Usage.CacheRead))
		}
		if m.Usage.Truncated {
			u = protowire.AppendTag(u, 4, protowire.VarintType)
			u = protowire.AppendVarint(u, 1)
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, u)
	}
	if m.Server != nil {
		var s []byte
		if m.Server.Model != "" {
			s = protowire.AppendTag(s, 1, protowire.BytesType)
			s = protowire.AppendString(s, m.Server.Model)
		}
		if m.Server.ServerTimingMs != 0 {
			s = protowire.AppendTag(s, 2, protowire.VarintType)
			s = protowire.AppendVarint(s, uint64(m.Server.ServerTimingMs))
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	if m.End {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Tool != nil {
		var t []byte
		if m.Tool.ID != "" {
			t = protowire.AppendTag(t, 1, protowire.BytesType)
			t = protowire.AppendString(t, m.Tool.ID)
		}
		if m.Tool.Name != "" {
			t = protowire.AppendTag(t, 2, protowire.BytesType)
			t = protowire.AppendString(t, m.Tool.Name)
		}
		if m.Tool.RawArgs != "" {
			t = protowire.AppendTag(t, 3, protowire.BytesType)
			t = protowire.AppendString(t, m.Tool.RawArgs)
		}
		if m.Tool.IsStreaming {
			t = protowire.AppendTag(t, 4, protowire.VarintType)
			t = protowire.AppendVarint(t, 1)
		}
		if m.Tool.IsLast {
			t = protowire.AppendTag(t, 5, protowire.VarintType)
			t = protowire.AppendVarint(t, 1)
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, t)
	}
	b = append(b, m.Unknown...)
	return b
}

// UnmarshalStreamMessage decodes one message-frame payload.
func UnmarshalStreamMessage(data []byte) (*StreamMessage, error) {
	m := &StreamMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: stream message: %w", protowire.ParseError(n))
		}
		tagLen := n
		rest := data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(rest)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Text = v
			data = rest[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			th, err := unmarshalThinking(v)
			if err != nil {
				return nil, err
			}
			m.Thinking = th
			data = rest[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ref, err := unmarshalWebReference(v)
			if err != nil {
				return nil, err
			}
			m.WebRefs = append(m.WebRefs, ref)
			data = rest[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			u, err := unmarshalStreamUsage(v)
			if err != nil {
				return nil, err
			}
			m.Usage = u
			data = rest[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			si, err := unmarshalServerInfo(v)
			if err != nil {
				return nil, err
			}
			m.Server = si
			data = rest[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.End = v != 0
			data = rest[n:]
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			tc, err := unmarshalToolCall(v)
			if err != nil {
				return nil, err
			}
			m.Tool = tc
			data = rest[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Unknown = append(m.Unknown, data[:tagLen+n]...)
			data = rest[n:]
		}
	}
	return m, nil
}

func unmarshalThinking(data []byte) (*Thinking, error) {
	m := &Thinking{}
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) {
		switch num {
		case 1:
			m.Text = string(v)
		case 2:
			m.Signature = string(v)
		case 3:
			m.Redacted = string(v)
		}
	})
	return m, err
}

func unmarshalWebReference(data []byte) (WebReference, error) {
	var m WebReference
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) {
		switch num {
		case 1:
			m.URL = string(v)
		case 2:
			m.Title = string(v)
		case 3:
			m.Chunk = string(v)
		}
	})
	return m, err
}

func unmarshalServerInfo(data []byte) (*ServerInfo, error) {
	m := &ServerInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Model = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.ServerTimingMs = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func unmarshalStreamUsage(data []byte) (*StreamUsage, error) {
	m := &StreamUsage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		switch num {
		case 1:
			m.InputTokens = int32(v)
		case 2:
			m.OutputTokens = int32(v)
		case 3:
			m.CacheRead = int32(v)
		case 4:
			m.Truncated = v != 0
		}
		data = data[n:]
	}
	return m, nil
}

func unmarshalToolCall(data []byte) (*ToolCall, error) {
	m := &ToolCall{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case 1:
				m.ID = v
			case 2:
				m.Name = v
			case 3:
				m.RawArgs = v
			}
			data = data[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case 4:
				m.IsStreaming = v != 0
			case 5:
				m.IsLast = v != 0
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// eachField walks length-delimited string fields of a small message.
func eachField(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, typ, v)
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}

// CatalogModel is one entry of the vendor model list.
type CatalogModel struct {
	Name        string
	DisplayName string
	ServerName  string
	LongContext bool
	Nightly     bool
	Vision      bool
}

// ModelList is the vendor's available-models response.
type ModelList struct {
	Models []CatalogModel
}

// Marshal serializes the model list.
func (m *ModelList) Marshal() []byte {
	var b []byte
	for i := range m.Models {
		cm := &m.Models[i]
		var e []byte
		if cm.Name != "" {
			e = protowire.AppendTag(e, 1, protowire.BytesType)
			e = protowire.AppendString(e, cm.Name)
		}
		if cm.DisplayName != "" {
			e = protowire.AppendTag(e, 2, protowire.BytesType)
			e = protowire.AppendString(e, cm.DisplayName)
		}
		if cm.ServerName != "" {
			e = protowire.AppendTag(e, 3, protowire.BytesType)
			e = protowire.AppendString(e, cm.ServerName)
		}
		if cm.LongContext {
			e = protowire.AppendTag(e, 4, protowire.VarintType)
			e = protowire.AppendVarint(e, 1)
		}
		if cm.Nightly {
			e = protowire.AppendTag(e, 5, protowire.VarintType)
			e = protowire.AppendVarint(e, 1)
		}
		if cm.Vision {
			e = protowire.AppendTag(e, 6, protowire.VarintType)
			e = protowire.AppendVarint(e, 1)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// UnmarshalModelList decodes a vendor model-list payload.
func UnmarshalModelList(data []byte) (*ModelList, error) {
	m := &ModelList{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		var cm CatalogModel
		inner := v
		for len(inner) > 0 {
			inum, ityp, in := protowire.ConsumeTag(inner)
			if in < 0 {
				return nil, protowire.ParseError(in)
			}
			inner = inner[in:]
			switch {
			case ityp == protowire.BytesType:
				s, sn := protowire.ConsumeString(inner)
				if sn < 0 {
					return nil, protowire.ParseError(sn)
				}
				switch inum {
				case 1:
					cm.Name = s
				case 2:
					cm.DisplayName = s
				case 3:
					cm.ServerName = s
				}
				inner = inner[sn:]
			case ityp == protowire.VarintType:
				u, un := protowire.ConsumeVarint(inner)
				if un < 0 {
					return nil, protowire.ParseError(un)
				}
				switch inum {
				case 4:
					cm.LongContext = u != 0
				case 5:
					cm.Nightly = u != 0
				case 6:
					cm.Vision = u != 0
				}
				inner = inner[un:]
			default:
				in = protowire.ConsumeFieldValue(inum, ityp, inner)
				if in < 0 {
					return nil, protowire.ParseError(in)
				}
				inner = inner[in:]
			}
		}
		m.Models = append(m.Models, cm)
		data = data[n:]
	}
	return m, nil
}

// CppRequest is the code-completion stream request.
type CppRequest struct {
	Filename     string
	Content      string
	CursorOffset uint32
	Model        string
	RequestID    string
	SessionID    string
}

// Marshal serializes the request.
func (m *CppRequest) Marshal() []byte {
	var b []byte
	if m.Filename != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Filename)
	}
	if m.Content != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Content)
	}
	if m.CursorOffset != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CursorOffset))
	}
	if m.Model != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.Model)
	}
	if m.RequestID != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.RequestID)
	}
	if m.SessionID != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, m.SessionID)
	}
	return b
}

// UnmarshalCppRequest decodes a code-completion request payload
// (mock-upstream side).
func UnmarshalCppRequest(data []byte) (*CppRequest, error) {
	m := &CppRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case 1:
				m.Filename = v
			case 2:
				m.Content = v
			case 4:
				m.Model = v
			case 5:
				m.RequestID = v
			case 6:
				m.SessionID = v
			}
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.CursorOffset = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// CppChunk is one unit of the code-completion response stream.
type CppChunk struct {
	Text       string
	RangeStart uint32
	RangeEnd   uint32
	Done       bool
}

// Marshal serializes the chunk (mock-upstream side).
func (m *CppChunk) Marshal() []byte {
	var b []byte
	if m.Text != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}
	if m.RangeStart != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.RangeStart))
	}
	if m.RangeEnd != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.RangeEnd))
	}
	if m.Done {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// UnmarshalCppChunk decodes one code-completion frame payload.
func UnmarshalCppChunk(data []byte) (*CppChunk, error) {
	m := &CppChunk{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Text = v
			data = data[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case 2:
				m.RangeStart = uint32(v)
			case 3:
				m.RangeEnd = uint32(v)
			case 4:
				m.Done = v != 0
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// ServerConfig is the vendor's per-caller configuration handle.
type ServerConfig struct {
	ConfigVersion string
}

// Marshal serializes the config (mock-upstream side).
func (m *ServerConfig) Marshal() []byte {
	var b []byte
	if m.ConfigVersion != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.ConfigVersion)
	}
	return b
}

// UnmarshalServerConfig decodes a GetServerConfig response payload.
func UnmarshalServerConfig(data []byte) (*ServerConfig, error) {
	m := &ServerConfig{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.ConfigVersion = v
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return m, nil
}

// FileRequest carries one workspace file for upload or sync.
type FileRequest struct {
	Path    string
	Content []byte
	Sha256  string
}

// Marshal serializes the request.
func (m *FileRequest) Marshal() []byte {
	var b []byte
	if m.Path != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Path)
	}
	if len(m.Content) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Content)
	}
	if m.Sha256 != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.Sha256)
	}
	return b
}

// UnmarshalFileRequest decodes a file transfer payload (mock-upstream side).
func UnmarshalFileRequest(data []byte) (*FileRequest, error) {
	m := &FileRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Path = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Content = append([]byte(nil), v...)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Sha256 = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// FileAck is the vendor's response to an upload or sync.
type FileAck struct {
	OK      bool
	Message string
}

// Marshal serializes the ack (mock-upstream side).
func (m *FileAck) Marshal() []byte {
	var b []byte
	if m.OK {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Message != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Message)
	}
	return b
}

// UnmarshalFileAck decodes a file transfer response payload.
func UnmarshalFileAck(data []byte) (*FileAck, error) {
	m := &FileAck{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.OK = v != 0
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Message = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// VendorError is the JSON blob carried by an error frame.
type VendorError struct {
	Code    string   `json:"code"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

type vendorErrorEnvelope struct {
	Error VendorError `json:"error"`
}

// DecodeVendorError parses an error-frame payload. A two-byte payload is the
// vendor's end-of-turn marker, reported as (nil, true).
func DecodeVendorError(payload []byte) (*VendorError, bool, error) {
	if len(payload) == 2 {
		return nil, true, nil
	}
	var env vendorErrorEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, false, fmt.Errorf("wire: vendor error frame: %w", err)
	}
	return &env.Error, false, nil
}

// EncodeVendorError builds the error-frame payload (mock-upstream side).
func EncodeVendorError(ve *VendorError) []byte {
	b, _ := json.Marshal(vendorErrorEnvelope{Error: *ve})
	return b
}

// StatusCode maps a vendor error code onto the HTTP status surfaced to the
// client, following the vendor's own table.
func (e *VendorError) StatusCode() int {
	switch e.Code {
	case "bad_request", "bad_model_name", "conversation_too_long":
		return 400
	case "unauthenticated", "bad_api_key", "bad_user_api_key", "invalid_auth_id",
		"auth_token_not_found", "auth_token_expired", "unauthorized":
		return 401
	case "usage_pricing_required", "usage_pricing_required_changeable":
		return 402
	case "not_logged_in", "not_high_enough_permissions", "pro_user_only":
		return 403
	case "not_found", "user_not_found":
		return 404
	case "deprecated", "outdated_client":
		return 410
	case "api_key_not_supported":
		return 422
	case "free_user_rate_limit_exceeded", "pro_user_rate_limit_exceeded",
		"generic_rate_limit_exceeded", "api_key_rate_limit", "rate_limited",
		"rate_limited_changeable":
		return 429
	case "user_aborted_request":
		return 499
	case "free_user_usage_limit", "pro_user_usage_limit", "resource_exhausted",
		"max_tokens":
		return 503
	case "timeout":
		return 504
	default:
		return 502
	}
}

// IsAuthFailure reports whether the error should flag the backing token.
func (e *VendorError) IsAuthFailure() bool {
	code := e.StatusCode()
	return code == 401 || code == 403
}
