package agentsocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"
	"time"
)

// ConnState represents the state of the connection manager.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// Role represents the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the ephemeral activity hint shown next to the typing indicator.
type Status string

const (
	StatusNone              Status = ""
	StatusThinking          Status = "thinking"
	StatusExecutingTools    Status = "executing_tools"
	StatusProcessingResults Status = "processing_results"
	StatusHandoffRequested  Status = "handoff_requested"
	StatusHandoffAccepted   Status = "handoff_accepted"
)

// Message is one transcript entry. Messages are immutable once appended.
type Message struct {
	ID            string       `json:"id"`
	Role          Role         `json:"role"`
	Content       string       `json:"content"`
	Timestamp     time.Time    `json:"timestamp"`
	SessionID     string       `json:"sessionId,omitempty"`
	ExecutedTools []string     `json:"executedTools,omitempty"`
	ToolResults   []ToolResult `json:"toolResults,omitempty"`
	AnimateTyping bool         `json:"animateTyping,omitempty"`
}

// Server event types.
const (
	EventSessionEstablished = "session_established"
	EventTypingStart        = "typing_start"
	EventTypingStop         = "typing_stop"
	EventStreamingChunk     = "streaming_chunk"
	EventChunk              = "chunk"
	EventStructuredOutput   = "structured_output"
	EventToolCall           = "tool_call"
	EventToolResult         = "tool_result"
	EventMessage            = "message"
	EventComplete           = "complete"
	EventHandoffRequest     = "handoff_request"
	EventHandoffAccept      = "handoff_accept"
	EventError              = "error"
)

// HumanInputApprovalRequest is the only human input kind the client knows about.
const HumanInputApprovalRequest = "APPROVAL_REQUEST"

// --- Requests (Client -> Server) ---

// ChatRequest is the only frame the client sends.
type ChatRequest struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// NewChatRequest creates a chat request for a user or system turn.
func NewChatRequest(message, conversationID string) *ChatRequest {
	return &ChatRequest{
		Type:           "chat",
		Message:        message,
		ConversationID: conversationID,
	}
}

// --- Events (Server -> Client) ---

// Event is one decoded server frame. The concrete type is one of the structs
// below; UnknownEvent covers types this client does not know.
type Event interface {
	Type() string
	ConversationID() string
	isEvent()
}

type frameMeta struct {
	Kind         string
	Conversation string
}

func (m frameMeta) Type() string           { return m.Kind }
func (m frameMeta) ConversationID() string { return m.Conversation }
func (frameMeta) isEvent()                 {}

// SessionEstablished carries the server-assigned session id.
type SessionEstablished struct {
	frameMeta
	SessionID string
}

// TypingStart signals that the agent started working on a turn.
type TypingStart struct {
	frameMeta
	Status Status
}

// TypingStop signals that the agent stopped working without content.
type TypingStop struct {
	frameMeta
}

// StreamingChunk is a partial piece of assistant text.
type StreamingChunk struct {
	frameMeta
	Text string
}

// HumanInputRequest is a structured request for user interaction.
type HumanInputRequest struct {
	Kind string
}

// StructuredOutput is a terminal content frame, optionally carrying a human
// input request.
type StructuredOutput struct {
	frameMeta
	Message    string
	HumanInput *HumanInputRequest
}

// ToolCallBatch carries raw tool-call descriptors.
type ToolCallBatch struct {
	frameMeta
	Calls []RawToolCall
}

// ToolResultEvent reports that a tool finished on the backend.
type ToolResultEvent struct {
	frameMeta
}

// MessageEvent is a terminal frame of type message or complete.
type MessageEvent struct {
	frameMeta
	Message string
}

// HandoffEvent is a handoff_request or handoff_accept frame.
type HandoffEvent struct {
	frameMeta
	Message string
}

// Accepted reports whether this is a handoff_accept frame.
func (e *HandoffEvent) Accepted() bool {
	return e.Kind == EventHandoffAccept
}

// ErrorEvent is an application-level error frame.
type ErrorEvent struct {
	frameMeta
	Code    string
	Message string
}

// UnknownEvent is any frame with an unrecognized type. Message holds the
// first "message" string found anywhere in the payload.
type UnknownEvent struct {
	frameMeta
	Message string
}

// RawToolCall is a tool-call descriptor as it appears on the wire.
type RawToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type responseContent struct {
	Message    json.RawMessage  `json:"message,omitempty"`
	HumanInput *humanInputFrame `json:"human_input_request,omitempty"`
}

type humanInputFrame struct {
	Kind        string `json:"kind,omitempty"`
	RequestType string `json:"request_type,omitempty"`
	Type        string `json:"type,omitempty"`
}

func (h *humanInputFrame) kind() string {
	switch {
	case h.Kind != "":
		return h.Kind
	case h.RequestType != "":
		return h.RequestType
	default:
		return h.Type
	}
}

// wireFrame accepts every field spelling seen from the backend.
type wireFrame struct {
	Type                string           `json:"type"`
	ConversationIDSnake flexString       `json:"conversation_id,omitempty"`
	ConversationIDCamel flexString       `json:"conversationId,omitempty"`
	SessionIDSnake      flexString       `json:"session_id,omitempty"`
	SessionIDCamel      flexString       `json:"sessionId,omitempty"`
	Status              flexString       `json:"status,omitempty"`
	Message             json.RawMessage  `json:"message,omitempty"`
	Content             json.RawMessage  `json:"content,omitempty"`
	Chunk               json.RawMessage  `json:"chunk,omitempty"`
	Text                json.RawMessage  `json:"text,omitempty"`
	Code                flexString       `json:"code,omitempty"`
	Error               json.RawMessage  `json:"error,omitempty"`
	ResponseContent     *responseContent `json:"response_content,omitempty"`
	HumanInput          *humanInputFrame `json:"human_input_request,omitempty"`
	ToolCalls           []RawToolCall    `json:"tool_calls,omitempty"`
	ToolCall            *RawToolCall     `json:"tool_call,omitempty"`
}

func (f *wireFrame) conversationID() string {
	if f.ConversationIDSnake != "" {
		return string(f.ConversationIDSnake)
	}
	return string(f.ConversationIDCamel)
}

func (f *wireFrame) sessionID() string {
	if f.SessionIDSnake != "" {
		return string(f.SessionIDSnake)
	}
	return string(f.SessionIDCamel)
}

func (f *wireFrame) message() string {
	if s := rawString(f.Message); s != "" {
		return s
	}
	if f.ResponseContent != nil {
		return rawString(f.ResponseContent.Message)
	}
	return ""
}

func (f *wireFrame) streamText() string {
	for _, raw := range []json.RawMessage{f.Content, f.Chunk, f.Text} {
		if s := rawString(raw); s != "" {
			return s
		}
	}
	return ""
}

// DecodeEvent decodes one server frame.
func DecodeEvent(data []byte) (Event, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, &DecodeError{Frame: truncate(string(data), 200), Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 || strings.TrimSpace(string(data))[0] != '{' {
		return nil, &DecodeError{Frame: truncate(string(data), 200), Err: errors.New("frame is not a JSON object")}
	}

	meta := frameMeta{Kind: frame.Type, Conversation: frame.conversationID()}

	switch frame.Type {
	case EventSessionEstablished:
		return &SessionEstablished{frameMeta: meta, SessionID: frame.sessionID()}, nil
	case EventTypingStart:
		return &TypingStart{frameMeta: meta, Status: Status(string(frame.Status))}, nil
	case EventTypingStop:
		return &TypingStop{frameMeta: meta}, nil
	case EventStreamingChunk, EventChunk:
		return &StreamingChunk{frameMeta: meta, Text: frame.streamText()}, nil
	case EventStructuredOutput:
		ev := &StructuredOutput{frameMeta: meta, Message: frame.message()}
		hi := frame.HumanInput
		if hi == nil && frame.ResponseContent != nil {
			hi = frame.ResponseContent.HumanInput
		}
		if hi != nil {
			ev.HumanInput = &HumanInputRequest{Kind: hi.kind()}
		}
		return ev, nil
	case EventToolCall:
		calls := frame.ToolCalls
		if frame.ToolCall != nil {
			calls = append(calls, *frame.ToolCall)
		}
		return &ToolCallBatch{frameMeta: meta, Calls: calls}, nil
	case EventToolResult:
		return &ToolResultEvent{frameMeta: meta}, nil
	case EventMessage, EventComplete:
		return &MessageEvent{frameMeta: meta, Message: frame.message()}, nil
	case EventHandoffRequest, EventHandoffAccept:
		return &HandoffEvent{frameMeta: meta, Message: frame.message()}, nil
	case EventError:
		msg := frame.message()
		if msg == "" {
			msg = rawString(frame.Error)
		}
		return &ErrorEvent{frameMeta: meta, Code: string(frame.Code), Message: msg}, nil
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &DecodeError{Frame: truncate(string(data), 200), Err: err}
	}
	return &UnknownEvent{frameMeta: meta, Message: findMessage(payload)}, nil
}

// findMessage walks a decoded payload depth-first, object keys in sorted
// order, and returns the first non-empty string stored under a "message" key.
func findMessage(v any) string {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t["message"].(string); ok && s != "" {
			return s
		}
		for _, k := range slices.Sorted(maps.Keys(t)) {
			if s := findMessage(t[k]); s != "" {
				return s
			}
		}
	case []any:
		for _, child := range t {
			if s := findMessage(child); s != "" {
				return s
			}
		}
	}
	return ""
}

// flexString accepts a JSON string, number or boolean. Other values decode
// to the empty string instead of failing the whole frame.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
	case 't', 'f':
		*f = flexString(data)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*f = flexString(n.String())
	}
	return nil
}

// rawString returns raw as a string if it holds a JSON string.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
