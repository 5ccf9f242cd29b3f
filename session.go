package agentsocket

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailedFlagKey is the scratch key recording that the last connection
// attempt ended in the failed state.
const FailedFlagKey = "agentsocket-connection-failed"

// Session manages one conversation with the agent gateway: the socket and its
// reconnect policy, the transcript and its persistence, and the typing state.
// It is safe for concurrent use by multiple goroutines.
type Session struct {
	cfg     sessionConfig
	logger  *slog.Logger
	store   *Store
	scratch KV
	boot    *bootstrap
	filter  *Filter
	ctx     context.Context
	cancel  context.CancelFunc

	wg sync.WaitGroup

	mu             sync.Mutex
	state          ConnState
	attempt        int
	gen            uint64
	transport      Transport
	connCancel     context.CancelFunc
	reconnectTimer *time.Timer
	typingTimer    *time.Timer
	typingGen      uint64
	handler        *Handler
	messages       []Message
	conversationID string
	sessionID      string
	lastErr        string
	outbox         []*ChatRequest
	pendingTools   []string
	pendingResults []ToolResult
	lastStop       time.Time
	closed         bool
	version        uint64

	watchMu     sync.Mutex
	watchers    map[*Watcher]struct{}
	watchClosed bool
	published   uint64
}

// New creates a Session and restores the persisted conversation of its
// namespace. It does not connect; call Connect or SendMessage.
func New(ctx context.Context, resolver ConfigResolver, opts ...Option) *Session {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.storage == nil {
		cfg.storage = NewMemoryKV()
	}
	if cfg.scratch == nil {
		cfg.scratch = NewMemoryKV()
	}
	if cfg.dialer == nil {
		cfg.dialer = NewDialer(nil)
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	ctx, cancel := context.WithCancel(ctx)
	store := NewStore(cfg.storage, cfg.logger)
	store.SetClock(cfg.now)
	filter := NewFilter(cfg.placeholders...)

	s := &Session{
		cfg:      cfg,
		logger:   cfg.logger.With("component", "session"),
		store:    store,
		scratch:  cfg.scratch,
		boot:     newBootstrap(resolver, store, cfg.namespace, cfg.logger),
		filter:   filter,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateDisconnected,
		handler:  NewHandler(filter, cfg.now),
		watchers: make(map[*Watcher]struct{}),
	}

	restored := store.Restore(cfg.namespace)
	s.messages = settled(restored.Messages)
	s.conversationID = restored.ConversationID
	s.sessionID = restored.SessionID
	s.handler.SetUserSpoken(hasUserContent(s.messages))

	if len(s.messages) > 0 {
		s.logger.Debug("restored conversation",
			slog.Int("messages", len(s.messages)),
			slog.String("conversation_id", s.conversationID),
		)
	}
	return s
}

// Connect resolves the connection config and opens the socket. It is a no-op
// while connected or connecting, and concurrent calls collapse into one.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.stopReconnectTimerLocked()
	s.state = StateConnecting
	gen := s.gen
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	cfg, err := s.boot.resolve(ctx)
	if err != nil {
		s.fail(gen, err)
		return err
	}

	// The scope may have changed during resolution.
	s.mu.Lock()
	if s.sessionID == "" {
		s.sessionID = NewSessionID()
	}
	sessionID := s.sessionID
	s.store.PersistSessionID(s.cfg.namespace, sessionID)
	s.mu.Unlock()

	socketURL, err := BuildSocketURL(cfg, sessionID, s.cfg.consumerType)
	if err != nil {
		s.fail(gen, err)
		return err
	}

	s.logger.Debug("dialing", slog.String("url", redactURL(socketURL)))
	t, err := s.cfg.dialer(ctx, socketURL)
	if err != nil {
		s.logger.Warn("dial failed", slog.Any("error", err))
		s.handleDrop(gen, err)
		return err
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		_ = t.Close(CloseNormal, "")
		if s.isClosed() {
			return ErrClosed
		}
		return nil
	}
	connCtx, connCancel := context.WithCancel(s.ctx)
	s.transport = t
	s.connCancel = connCancel
	s.state = StateConnected
	s.attempt = 0
	s.lastErr = ""
	s.handler.Reset()
	s.handler.SetUserSpoken(hasUserContent(s.messages))
	s.clearFailedFlag()

	outbox := s.outbox
	s.outbox = nil
	for _, req := range outbox {
		if req.ConversationID == "" {
			req.ConversationID = s.conversationID
		}
	}
	if len(outbox) > 0 {
		s.handler.StartTyping()
		s.armTypingTimerLocked()
	}

	s.wg.Add(1)
	go s.readLoop(connCtx, gen, t)

	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	s.logger.Info("connected",
		slog.String("session_id", sessionID),
		slog.String("agent_type", cfg.AgentType),
	)

	for _, req := range outbox {
		if err := s.send(ctx, t, req); err != nil {
			s.logger.Warn("flushing queued message", slog.Any("error", err))
		}
	}
	return nil
}

// Disconnect closes the socket with the normal close code and cancels every
// pending timer. No reconnect follows.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.stopReconnectTimerLocked()
	s.stopTypingTimerLocked()
	s.handler.TimedOut()
	t := s.transport
	cancel := s.connCancel
	s.transport = nil
	s.connCancel = nil
	s.state = StateDisconnected
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	if t != nil {
		if err := t.Close(CloseNormal, "client disconnect"); err != nil {
			s.logger.Debug("closing transport", slog.Any("error", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Info("disconnected")
}

// ManualRetry resets the attempt counter and connects, whatever the state.
func (s *Session) ManualRetry(ctx context.Context) error {
	s.mu.Lock()
	s.attempt = 0
	s.stopReconnectTimerLocked()
	if s.state == StateReconnecting || s.state == StateFailed {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	return s.Connect(ctx)
}

// SendMessage appends a user message to the transcript and delivers it. It
// never waits for the connection: while connecting the request is queued, and
// in the failed state a local fallback reply is appended instead.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	s.handler.BeginTurn()
	s.lastStop = time.Time{}
	s.lastErr = ""
	s.appendLocked(Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: s.cfg.now().UTC(),
	})
	req := NewChatRequest(text, s.conversationID)

	switch s.state {
	case StateConnected:
		t := s.transport
		s.handler.StartTyping()
		s.armTypingTimerLocked()
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)

		if err := s.send(ctx, t, req); err != nil {
			s.mu.Lock()
			s.stopTypingTimerLocked()
			s.handler.TimedOut()
			s.lastErr = err.Error()
			snap := s.snapshotLocked()
			s.mu.Unlock()
			s.publish(snap)
			return err
		}
		return nil

	case StateFailed:
		s.appendLocked(Message{
			ID:            uuid.NewString(),
			Role:          RoleAssistant,
			Content:       s.cfg.fallbackMessage,
			Timestamp:     s.cfg.now().UTC(),
			AnimateTyping: true,
		})
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		return nil

	case StateDisconnected:
		s.outbox = append(s.outbox, req)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Connect(s.ctx); err != nil {
				s.logger.Warn("background connect failed", slog.Any("error", err))
			}
		}()

	default:
		s.outbox = append(s.outbox, req)
	}

	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return nil
}

// SendSystemMessage sends text as a chat turn without a transcript entry.
func (s *Session) SendSystemMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	t := s.transport
	req := NewChatRequest(text, s.conversationID)
	s.mu.Unlock()

	return s.send(ctx, t, req)
}

// StopRequest abandons the in-flight turn. Frames still arriving for it are
// dropped, even after the next message is sent. Repeated calls within the
// stop debounce window are ignored unless a message was sent in between.
func (s *Session) StopRequest() {
	s.mu.Lock()
	now := s.cfg.now()
	if !s.lastStop.IsZero() && now.Sub(s.lastStop) < s.cfg.stopDebounce {
		s.mu.Unlock()
		return
	}
	s.lastStop = now
	s.handler.Stop()
	s.stopTypingTimerLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	s.logger.Debug("stopped current turn")
}

// NewConversation archives the current conversation and starts an empty one
// with a fresh session id.
func (s *Session) NewConversation() {
	s.mu.Lock()
	s.archiveCurrentLocked()
	s.store.Clear(s.cfg.namespace)

	s.stopTypingTimerLocked()
	s.messages = nil
	s.conversationID = ""
	s.sessionID = NewSessionID()
	s.store.PersistSessionID(s.cfg.namespace, s.sessionID)
	s.lastErr = ""
	s.pendingTools = nil
	s.pendingResults = nil
	s.outbox = nil
	s.handler = NewHandler(s.filter, s.cfg.now)

	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	s.logger.Info("started new conversation", slog.String("session_id", snap.SessionID))
}

// ResumeArchived makes an archived conversation live again, archiving the
// current one. It reports whether a matching entry was found.
func (s *Session) ResumeArchived(conversationID, sessionID string) bool {
	s.mu.Lock()
	entry, ok := s.store.Unarchive(s.cfg.namespace, conversationID, sessionID)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.archiveCurrentLocked()

	s.stopTypingTimerLocked()
	s.messages = settled(entry.Messages)
	s.conversationID = entry.ConversationID
	s.sessionID = entry.SessionID
	if s.sessionID == "" {
		s.sessionID = NewSessionID()
	}
	s.store.PersistMessages(s.cfg.namespace, s.messages)
	s.store.PersistConversationID(s.cfg.namespace, s.conversationID)
	s.store.PersistSessionID(s.cfg.namespace, s.sessionID)
	s.lastErr = ""
	s.pendingTools = nil
	s.pendingResults = nil
	s.handler = NewHandler(s.filter, s.cfg.now)
	s.handler.SetUserSpoken(hasUserContent(s.messages))

	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return true
}

// Archives returns the archived conversations, most recent first.
func (s *Session) Archives() []ArchiveEntry {
	return s.store.Archives(s.cfg.namespace)
}

// ConversationID returns the server-assigned conversation id, if any.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SessionID returns the current session id, if any.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// State returns the connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetryAttempt returns the number of reconnects scheduled since the last open.
func (s *Session) RetryAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Snapshot returns the current state without bumping the version.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildSnapshotLocked(s.version)
}

// ConnectionFailedLastTime reports whether the previous run ended in the
// failed state.
func (s *Session) ConnectionFailedLastTime() bool {
	v, ok, err := s.scratch.Get(FailedFlagKey)
	if err != nil {
		s.logger.Warn("reading failed flag", slog.Any("error", err))
		return false
	}
	return ok && v == "true"
}

// ClearConfig drops the cached connection config; the next Connect resolves
// it again.
func (s *Session) ClearConfig() {
	s.boot.clear()
}

// Close disconnects, stops every goroutine of the session and closes all
// watchers. The session cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.stopReconnectTimerLocked()
	s.stopTypingTimerLocked()
	t := s.transport
	s.transport = nil
	s.connCancel = nil
	s.state = StateDisconnected
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	var err error
	if t != nil {
		err = t.Close(CloseNormal, "session closed")
	}
	s.cancel()
	s.wg.Wait()
	s.closeWatchers()
	return err
}

// MaxBackoffDelay caps the reconnect delay.
const MaxBackoffDelay = time.Hour

// BackoffDelay returns the delay before the n-th reconnect: base * 2^(n-1),
// capped at MaxBackoffDelay. A base above the cap is returned unchanged.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		if d >= MaxBackoffDelay/2 {
			return max(d, MaxBackoffDelay)
		}
		d *= 2
	}
	return d
}

// readLoop reads frames from t until it fails. Frames are handled one at a
// time in arrival order.
func (s *Session) readLoop(ctx context.Context, gen uint64, t Transport) {
	defer s.wg.Done()

	for {
		data, err := t.Receive(ctx)
		if err != nil {
			s.handleDrop(gen, err)
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", slog.Any("error", err))
			continue
		}

		// Observability hook
		if s.cfg.onReceive != nil {
			s.cfg.onReceive(ev)
		}

		s.logger.Debug("received frame",
			slog.String("type", ev.Type()),
			slog.String("conversation_id", ev.ConversationID()),
		)

		s.handleEvent(ctx, gen, ev)
	}
}

func (s *Session) handleEvent(ctx context.Context, gen uint64, ev Event) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}

	u := s.handler.Handle(ev)
	if u.Dropped {
		s.mu.Unlock()
		s.logger.Debug("dropping frame of stopped turn", slog.String("type", ev.Type()))
		return
	}

	if e, ok := ev.(*ErrorEvent); ok {
		s.logger.Warn("server reported error", slog.Any("error", &ProtocolError{Code: e.Code, Message: e.Message}))
	}
	s.applyLocked(u)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	if len(u.ToolCalls) > 0 {
		s.executeTools(ctx, gen, u.ToolCalls)
	}
}

func (s *Session) applyLocked(u Update) {
	ns := s.cfg.namespace

	if u.SessionID != "" && u.SessionID != s.sessionID {
		s.sessionID = u.SessionID
		s.store.PersistSessionID(ns, s.sessionID)
		s.logger.Debug("adopted server session id", slog.String("session_id", s.sessionID))
	}
	if u.ConversationID != "" && u.ConversationID != s.conversationID {
		s.conversationID = u.ConversationID
		s.store.PersistConversationID(ns, s.conversationID)
	}
	if u.Err != "" {
		s.lastErr = u.Err
	}

	if len(u.Append) > 0 {
		for i, msg := range u.Append {
			msg.SessionID = s.sessionID
			if i == 0 && len(s.pendingTools) > 0 {
				msg.ExecutedTools = s.pendingTools
				msg.ToolResults = s.pendingResults
				s.pendingTools = nil
				s.pendingResults = nil
			}
			s.messages = append(s.messages, msg)
		}
		s.store.PersistMessages(ns, s.messages)
	}

	switch u.Timer {
	case TimerArm:
		s.armTypingTimerLocked()
	case TimerCancel:
		s.stopTypingTimerLocked()
	}
}

// executeTools runs the executor outside the lock. Its results are attached
// to the next assistant message.
func (s *Session) executeTools(ctx context.Context, gen uint64, calls []ToolCall) {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name)
	}

	var results []ToolResult
	if s.cfg.executor != nil {
		var err error
		results, err = s.cfg.executor.ExecuteTools(ctx, calls)
		if err != nil {
			s.logger.Error("executing tools", slog.Any("tools", names), slog.Any("error", err))
		}
	} else {
		s.logger.Debug("no tool executor configured", slog.Any("tools", names))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.pendingTools = append(s.pendingTools, names...)
	s.pendingResults = append(s.pendingResults, results...)
}

// handleDrop applies the reconnect policy after the socket of generation gen
// went away.
func (s *Session) handleDrop(gen uint64, err error) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}

	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.transport = nil

	switch {
	case IsNormalClosure(err):
		s.state = StateDisconnected
		s.logger.Info("connection closed")

	case s.attempt < s.cfg.maxAttempts:
		s.attempt++
		delay := BackoffDelay(s.cfg.baseDelay, s.attempt)
		s.state = StateReconnecting
		s.stopReconnectTimerLocked()
		s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
		s.logger.Warn("connection lost, reconnecting",
			slog.Int("attempt", s.attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)

	default:
		s.state = StateFailed
		s.lastErr = err.Error()
		s.stopTypingTimerLocked()
		s.handler.TimedOut()
		s.setFailedFlag()
		s.logger.Error("connection failed", slog.Int("attempts", s.attempt), slog.Any("error", err))
	}

	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen != gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.mu.Unlock()

	if err := s.Connect(s.ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug("reconnect attempt failed", slog.Any("error", err))
	}
}

// fail moves to the failed state after a config error. No reconnect is
// scheduled.
func (s *Session) fail(gen uint64, err error) {
	s.logger.Error("resolving connection config", slog.Any("error", err))

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.lastErr = err.Error()
	s.setFailedFlag()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) send(ctx context.Context, t Transport, req *ChatRequest) error {
	if t == nil {
		return ErrNotConnected
	}

	// Observability hook
	if s.cfg.onSend != nil {
		s.cfg.onSend(req)
	}

	s.logger.Debug("sending request",
		slog.String("type", req.Type),
		slog.String("conversation_id", req.ConversationID),
	)

	if err := t.Send(ctx, req); err != nil {
		var cerr *ConnectionError
		if errors.As(err, &cerr) {
			return err
		}
		return &SendError{Op: req.Type, Err: err}
	}
	return nil
}

func (s *Session) appendLocked(msg Message) {
	msg.SessionID = s.sessionID
	s.messages = append(s.messages, msg)
	s.store.PersistMessages(s.cfg.namespace, s.messages)
}

func (s *Session) archiveCurrentLocked() {
	if !hasUserContent(s.messages) {
		return
	}
	s.store.Archive(s.cfg.namespace, s.messages, s.sessionID, s.conversationID, s.cfg.archiveLimit)
}

func (s *Session) armTypingTimerLocked() {
	s.stopTypingTimerLocked()
	tg := s.typingGen
	s.typingTimer = time.AfterFunc(s.cfg.typingTimeout, func() { s.typingTimedOut(tg) })
}

// stopTypingTimerLocked cancels the typing timer. A callback already running
// sees a newer typingGen and does nothing.
func (s *Session) stopTypingTimerLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingGen++
}

func (s *Session) stopReconnectTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) typingTimedOut(tg uint64) {
	s.mu.Lock()
	if s.typingGen != tg || s.closed {
		s.mu.Unlock()
		return
	}
	s.typingTimer = nil
	s.handler.TimedOut()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	s.logger.Info("no activity from agent, clearing typing state",
		slog.Duration("timeout", s.cfg.typingTimeout))
}

func (s *Session) setFailedFlag() {
	if err := s.scratch.Set(FailedFlagKey, "true"); err != nil {
		s.logger.Warn("writing failed flag", slog.Any("error", err))
	}
}

func (s *Session) clearFailedFlag() {
	if err := s.scratch.Remove(FailedFlagKey); err != nil {
		s.logger.Warn("clearing failed flag", slog.Any("error", err))
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// snapshotLocked bumps the version and captures the current state.
func (s *Session) snapshotLocked() Snapshot {
	s.version++
	return s.buildSnapshotLocked(s.version)
}

func (s *Session) buildSnapshotLocked(version uint64) Snapshot {
	return Snapshot{
		Version:        version,
		State:          s.state,
		RetryAttempt:   s.attempt,
		Messages:       slices.Clone(s.messages),
		Typing:         s.handler.Typing(),
		ConversationID: s.conversationID,
		SessionID:      s.sessionID,
		Err:            s.lastErr,
	}
}

// settled marks restored messages as already displayed.
func settled(msgs []Message) []Message {
	out := slices.Clone(msgs)
	for i := range out {
		out[i].AnimateTyping = false
	}
	return out
}
