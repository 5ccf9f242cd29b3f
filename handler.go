package agentsocket

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimerAction tells the session what to do with the typing inactivity timer.
type TimerAction int

const (
	TimerKeep TimerAction = iota
	TimerArm
	TimerCancel
)

// Update is the set of state mutations produced by one frame.
type Update struct {
	Append         []Message
	ConversationID string
	SessionID      string
	ToolCalls      []ToolCall
	Err            string
	Timer          TimerAction

	// Changed is set when the typing state (flag, status or streaming
	// buffer) changed.
	Changed bool

	// Dropped is set when the frame was discarded because the turn it
	// belongs to was stopped.
	Dropped bool
}

// TypingState is the ephemeral, never persisted activity state.
type TypingState struct {
	IsTyping        bool
	Status          Status
	CurrentResponse string
}

// Handler reduces decoded frames into state updates. It owns the streaming
// accumulator, which is always read synchronously so that a terminal frame
// arriving right after the last chunk sees every chunk.
//
// Handler is not safe for concurrent use; the Session serializes access.
type Handler struct {
	filter *Filter
	now    func() time.Time

	buffer        strings.Builder
	typing        bool
	status        Status
	hasUserSpoken bool

	stopped bool
	// stale counts stopped turns whose terminal frame has not arrived yet.
	// Frames are dropped until it reaches zero.
	stale int
}

// NewHandler creates a handler. A nil filter uses NewFilter(); a nil clock
// uses time.Now.
func NewHandler(filter *Filter, now func() time.Time) *Handler {
	if filter == nil {
		filter = NewFilter()
	}
	if now == nil {
		now = time.Now
	}
	return &Handler{filter: filter, now: now}
}

// Typing returns the current typing state.
func (h *Handler) Typing() TypingState {
	return TypingState{
		IsTyping:        h.typing,
		Status:          h.status,
		CurrentResponse: h.buffer.String(),
	}
}

// Buffer returns the streaming accumulator contents.
func (h *Handler) Buffer() string {
	return h.buffer.String()
}

// HasUserSpoken reports whether a user message exists in the transcript.
func (h *Handler) HasUserSpoken() bool {
	return h.hasUserSpoken
}

// SetUserSpoken overrides the flag, e.g. after restoring history.
func (h *Handler) SetUserSpoken(v bool) {
	h.hasUserSpoken = v
}

// Stopped reports whether the current turn was stopped by the user.
func (h *Handler) Stopped() bool {
	return h.stopped
}

// BeginTurn prepares for a user-initiated send.
func (h *Handler) BeginTurn() {
	h.hasUserSpoken = true
	h.stopped = false
	h.buffer.Reset()
}

// StartTyping shows the typing indicator for a turn that was just sent.
func (h *Handler) StartTyping() {
	h.typing = true
	h.status = StatusThinking
}

// Stop drops the in-flight turn. Every frame except session_established is
// ignored until the next BeginTurn, and after it until the stopped turn's
// terminal frame arrives.
func (h *Handler) Stop() {
	if h.typing || h.buffer.Len() > 0 {
		h.stale++
	}
	h.stopped = true
	h.clearTyping()
}

// Reset clears turn tracking for a fresh socket; frames of a previous socket
// can no longer arrive.
func (h *Handler) Reset() {
	h.stale = 0
	h.clearTyping()
}

// TimedOut clears the typing state after the inactivity timeout.
func (h *Handler) TimedOut() {
	h.clearTyping()
}

// Handle applies one frame.
func (h *Handler) Handle(ev Event) Update {
	var u Update

	if _, ok := ev.(*SessionEstablished); !ok && (h.stopped || h.stale > 0) {
		// Only a terminal frame ends a stale turn; it may send typing_start
		// again after a tool round trip.
		if h.stale > 0 && endsTurn(ev) {
			h.stale--
		}
		u.Dropped = true
		return u
	}

	u.ConversationID = ev.ConversationID()

	switch e := ev.(type) {
	case *SessionEstablished:
		u.SessionID = e.SessionID

	case *TypingStart:
		h.typing = true
		h.status = e.Status
		if h.status == StatusNone {
			h.status = StatusThinking
		}
		u.Timer = TimerCancel
		u.Changed = true

	case *TypingStop:
		h.clearTyping()
		u.Timer = TimerCancel
		u.Changed = true

	case *StreamingChunk:
		if e.Text == "" {
			return u
		}
		h.buffer.WriteString(e.Text)
		u.Changed = true
		if h.filter.Suppress(h.buffer.String(), h.hasUserSpoken, StreamingGreetingLimit) {
			h.buffer.Reset()
			return u
		}
		h.typing = true
		u.Timer = TimerArm

	case *StructuredOutput:
		if e.HumanInput != nil && e.HumanInput.Kind == HumanInputApprovalRequest {
			return u
		}
		if pending := h.clean(h.buffer.String()); pending != "" {
			u.Append = append(u.Append, h.assistantMessage(pending, true))
		}
		h.buffer.Reset()
		if final := h.clean(e.Message); final != "" {
			u.Append = append(u.Append, h.assistantMessage(final, true))
		}
		if len(u.Append) > 0 {
			h.finishTurn(&u)
		}

	case *ToolCallBatch:
		if reasoning := h.clean(h.buffer.String()); reasoning != "" {
			u.Append = append(u.Append, h.assistantMessage(reasoning, false))
		}
		h.buffer.Reset()
		h.typing = true
		h.status = StatusExecutingTools
		u.ToolCalls = NormalizeToolCalls(e.Calls)
		u.Timer = TimerArm
		u.Changed = true

	case *ToolResultEvent:
		h.status = StatusProcessingResults
		u.Changed = true

	case *MessageEvent:
		h.terminal(&u, e.Message)

	case *HandoffEvent:
		if e.Accepted() {
			h.status = StatusHandoffAccepted
			u.Changed = true
			return u
		}
		if content := h.clean(e.Message); content != "" {
			u.Append = append(u.Append, h.assistantMessage(content, true))
			h.finishTurn(&u)
		}
		h.status = StatusHandoffRequested
		u.Changed = true

	case *ErrorEvent:
		u.Err = e.Message
		if u.Err == "" {
			u.Err = "unknown error"
		}
		h.clearTyping()
		u.Timer = TimerCancel
		u.Changed = true

	case *UnknownEvent:
		if e.Message != "" {
			h.terminal(&u, e.Message)
		}
	}

	return u
}

// terminal concludes a turn. The streamed buffer wins over the frame's own
// message; with neither, the typing state is left alone because the real
// answer may still be in flight.
func (h *Handler) terminal(u *Update, message string) {
	content := h.clean(h.buffer.String())
	if content == "" {
		content = h.clean(message)
	}
	if content == "" {
		if h.buffer.Len() > 0 {
			h.buffer.Reset()
			u.Changed = true
		}
		return
	}
	u.Append = append(u.Append, h.assistantMessage(content, true))
	h.finishTurn(u)
}

func (h *Handler) finishTurn(u *Update) {
	h.clearTyping()
	u.Timer = TimerCancel
	u.Changed = true
}

func (h *Handler) clearTyping() {
	h.buffer.Reset()
	h.typing = false
	h.status = StatusNone
}

func (h *Handler) clean(text string) string {
	return h.filter.Clean(text, h.hasUserSpoken, TerminalGreetingLimit)
}

func (h *Handler) assistantMessage(content string, animate bool) Message {
	return Message{
		ID:            uuid.NewString(),
		Role:          RoleAssistant,
		Content:       content,
		Timestamp:     h.now().UTC(),
		AnimateTyping: animate,
	}
}

// endsTurn reports whether ev concludes a turn on the backend.
func endsTurn(ev Event) bool {
	switch e := ev.(type) {
	case *MessageEvent, *TypingStop, *ErrorEvent:
		return true
	case *StructuredOutput:
		return e.HumanInput == nil || e.HumanInput.Kind != HumanInputApprovalRequest
	case *HandoffEvent:
		return !e.Accepted()
	}
	return false
}
