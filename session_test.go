package agentsocket

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport is an in-memory Transport. Frames pushed by the test are
// returned by Receive in order.
type mockTransport struct {
	url    string
	frames chan []byte
	drops  chan error
	done   chan struct{}

	mu        sync.Mutex
	sent      []*ChatRequest
	sendErr   error
	closed    bool
	closeCode websocket.StatusCode
}

func newMockTransport(url string) *mockTransport {
	return &mockTransport{
		url:    url,
		frames: make(chan []byte, 64),
		drops:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (m *mockTransport) Send(_ context.Context, req *ChatRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, req)
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-m.frames:
		return data, nil
	case err := <-m.drops:
		return nil, err
	case <-m.done:
		return nil, errors.Join(ErrClosed, websocket.CloseError{Code: websocket.StatusNormalClosure})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockTransport) Close(code websocket.StatusCode, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.closeCode = code
	close(m.done)
	return nil
}

func (m *mockTransport) push(frames ...string) {
	for _, f := range frames {
		m.frames <- []byte(f)
	}
}

func (m *mockTransport) drop(err error) {
	m.drops <- err
}

func (m *mockTransport) requests() []*ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ChatRequest, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockTransport) closedWith() (bool, websocket.StatusCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.closeCode
}

func (m *mockTransport) failSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// mockDialer hands out mockTransports. While fail is non-zero dials are
// refused; a negative fail refuses forever.
type mockDialer struct {
	mu         sync.Mutex
	fail       int
	urls       []string
	transports []*mockTransport
}

func (d *mockDialer) Dial(_ context.Context, rawURL string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		return nil, &ConnectionError{Op: "dial", URL: redactURL(rawURL), Err: errors.New("connection refused")}
	}
	tr := newMockTransport(rawURL)
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *mockDialer) setFail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

func (d *mockDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *mockDialer) last(t *testing.T) *mockTransport {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.transports, "no transport dialed")
	return d.transports[len(d.transports)-1]
}

func (d *mockDialer) sent() []*ChatRequest {
	d.mu.Lock()
	transports := append([]*mockTransport(nil), d.transports...)
	d.mu.Unlock()

	var out []*ChatRequest
	for _, tr := range transports {
		out = append(out, tr.requests()...)
	}
	return out
}

var testConnConfig = ConnConfig{
	GatewayURL: "https://gw.example.com",
	Token:      "tok",
	BrandID:    "acme",
	AgentType:  "sales",
}

func newTestSession(t *testing.T, d *mockDialer, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithDialer(d.Dial),
		WithBaseDelay(time.Millisecond),
		WithLogger(discardLogger()),
	}, opts...)
	s := New(context.Background(), StaticResolver{Config: testConnConfig}, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connected(t *testing.T, s *Session, d *mockDialer) *mockTransport {
	t.Helper()
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, StateConnected, s.State())
	return d.last(t)
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}

func TestSession_ConnectBuildsSocketURL(t *testing.T) {
	kv := NewMemoryKV()
	d := &mockDialer{}
	s := newTestSession(t, d, WithStore(kv), WithConsumerType("widget"))
	tr := connected(t, s, d)

	u, err := url.Parse(tr.url)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "gw.example.com", u.Host)
	assert.Equal(t, "/acme/agents/sales_agent/v1/ws", u.Path)

	q := u.Query()
	assert.NotEmpty(t, q.Get("session_id"))
	assert.Equal(t, s.SessionID(), q.Get("session_id"))
	assert.Equal(t, "tok", q.Get("token"))
	assert.Equal(t, "wordpress_widget", q.Get("consumer"))

	restored := NewStore(kv, nil).Restore(DefaultNamespace)
	assert.Equal(t, s.SessionID(), restored.SessionID)
}

func TestSession_ConnectIsIdempotent(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)
	connected(t, s, d)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, d.dials())
}

func TestSession_StreamedReply(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	d := &mockDialer{}
	s := newTestSession(t, d, WithStore(kv))
	tr := connected(t, s, d)

	require.NoError(t, s.SendMessage(ctx, "where is my order?"))
	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "chat", reqs[0].Type)
	assert.Equal(t, "where is my order?", reqs[0].Message)
	assert.Empty(t, reqs[0].ConversationID)
	assert.True(t, s.Snapshot().Typing.IsTyping)

	tr.push(
		`{"type":"streaming_chunk","content":"It shipped ","conversation_id":"c1"}`,
		`{"type":"streaming_chunk","content":"yesterday."}`,
		`{"type":"complete","message":"summary"}`,
	)
	eventually(t, func() bool { return len(s.Messages()) == 2 })

	msgs := s.Messages()
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "It shipped yesterday.", msgs[1].Content)
	assert.Equal(t, s.SessionID(), msgs[1].SessionID)
	assert.Equal(t, "c1", s.ConversationID())
	assert.False(t, s.Snapshot().Typing.IsTyping)

	restored := NewStore(kv, nil).Restore(DefaultNamespace)
	assert.Len(t, restored.Messages, 2)
	assert.Equal(t, "c1", restored.ConversationID)

	require.NoError(t, s.SendMessage(ctx, "thanks"))
	reqs = tr.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "c1", reqs[1].ConversationID)
}

func TestSession_SendWhileDisconnectedConnectsAndFlushes(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)

	require.NoError(t, s.SendMessage(context.Background(), "hello there"))
	require.Len(t, s.Messages(), 1)

	eventually(t, func() bool { return len(d.sent()) == 1 })
	assert.Equal(t, "hello there", d.sent()[0].Message)
	assert.Equal(t, StateConnected, s.State())
	assert.True(t, s.Snapshot().Typing.IsTyping)
	assert.Equal(t, 1, d.dials())
}

func TestSession_ConfigFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	d := &mockDialer{}
	scratch := NewMemoryKV()
	resolver := ResolverFunc(func(context.Context) (*ConnConfig, error) {
		return nil, errors.New("forbidden")
	})
	s := New(ctx, resolver,
		WithDialer(d.Dial),
		WithScratch(scratch),
		WithFallbackMessage("We are offline."),
		WithLogger(discardLogger()),
	)
	t.Cleanup(func() { _ = s.Close() })

	err := s.Connect(ctx)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StateFailed, s.State())
	assert.Contains(t, s.Snapshot().Err, "forbidden")
	assert.True(t, s.ConnectionFailedLastTime())
	assert.Zero(t, d.dials())

	require.NoError(t, s.SendMessage(ctx, "anyone there?"))
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "We are offline.", msgs[1].Content)
	assert.True(t, msgs[1].AnimateTyping)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateFailed, s.State())
	assert.Zero(t, d.dials())
}

func TestSession_BoundedReconnects(t *testing.T) {
	d := &mockDialer{fail: -1}
	s := newTestSession(t, d, WithMaxAttempts(3))

	err := s.Connect(context.Background())
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)

	eventually(t, func() bool { return s.State() == StateFailed })
	assert.Equal(t, 3, s.RetryAttempt())
	assert.Equal(t, 4, d.dials())
	assert.NotEmpty(t, s.Snapshot().Err)
	assert.True(t, s.ConnectionFailedLastTime())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, d.dials())

	// A manual retry starts over.
	d.setFail(0)
	require.NoError(t, s.ManualRetry(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.Zero(t, s.RetryAttempt())
	assert.False(t, s.ConnectionFailedLastTime())
}

func TestSession_ZeroMaxAttemptsFailsImmediately(t *testing.T) {
	d := &mockDialer{fail: -1}
	s := newTestSession(t, d, WithMaxAttempts(0))

	require.Error(t, s.Connect(context.Background()))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 1, d.dials())
}

func TestSession_DropReconnects(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)
	first := connected(t, s, d)

	first.drop(errors.New("connection reset by peer"))
	eventually(t, func() bool { return d.dials() == 2 && s.State() == StateConnected })
	assert.Zero(t, s.RetryAttempt())

	second := d.last(t)
	u1, _ := url.Parse(first.url)
	u2, _ := url.Parse(second.url)
	assert.Equal(t, u1.Query().Get("session_id"), u2.Query().Get("session_id"))
}

func TestSession_NormalClosureDoesNotReconnect(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)

	tr.drop(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "bye"})
	eventually(t, func() bool { return s.State() == StateDisconnected })

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Zero(t, s.RetryAttempt())
}

func TestSession_Disconnect(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	closed, code := tr.closedWith()
	assert.True(t, closed)
	assert.Equal(t, CloseNormal, code)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_ToolCallsAttachToReply(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []ToolCall
	)
	exec := ToolExecutorFunc(func(_ context.Context, cs []ToolCall) ([]ToolResult, error) {
		mu.Lock()
		calls = append(calls, cs...)
		mu.Unlock()
		return []ToolResult{{Name: cs[0].Name, Result: "shipped"}}, nil
	})

	d := &mockDialer{}
	s := newTestSession(t, d, WithToolExecutor(exec))
	tr := connected(t, s, d)
	require.NoError(t, s.SendMessage(context.Background(), "status of order 7?"))

	tr.push(`{"type":"tool_call","tool_calls":[{"name":"orders/lookup","arguments":{"id":7}}]}`)
	eventually(t, func() bool { return s.Snapshot().Typing.Status == StatusExecutingTools })

	tr.push(`{"type":"message","message":"Order 7 has shipped."}`)
	eventually(t, func() bool { return len(s.Messages()) == 2 })

	msg := s.Messages()[1]
	assert.Equal(t, "Order 7 has shipped.", msg.Content)
	assert.Equal(t, []string{"orders-lookup"}, msg.ExecutedTools)
	assert.Equal(t, []ToolResult{{Name: "orders-lookup", Result: "shipped"}}, msg.ToolResults)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"id":7}`, calls[0].Args)
}

func TestSession_SessionEstablishedAdoptsID(t *testing.T) {
	kv := NewMemoryKV()
	d := &mockDialer{}
	s := newTestSession(t, d, WithStore(kv))
	tr := connected(t, s, d)

	tr.push(`{"type":"session_established","session_id":"srv-1"}`)
	eventually(t, func() bool { return s.SessionID() == "srv-1" })
	assert.Equal(t, "srv-1", NewStore(kv, nil).Restore(DefaultNamespace).SessionID)
}

func TestSession_ErrorFrame(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)
	require.NoError(t, s.SendMessage(context.Background(), "help"))

	tr.push(`{"type":"error","code":"E1","message":"agent unavailable"}`)
	eventually(t, func() bool { return s.Snapshot().Err == "agent unavailable" })

	snap := s.Snapshot()
	assert.False(t, snap.Typing.IsTyping)
	assert.Equal(t, StateConnected, snap.State)
	assert.Len(t, snap.Messages, 1)

	// The next turn clears the error.
	require.NoError(t, s.SendMessage(context.Background(), "again"))
	assert.Empty(t, s.Snapshot().Err)
}

func TestSession_MalformedFrameIsDropped(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)
	require.NoError(t, s.SendMessage(context.Background(), "ping"))

	tr.push(`not json`, `["an","array"]`, `{"type":"message","message":"Still here."}`)
	eventually(t, func() bool { return len(s.Messages()) == 2 })

	assert.Equal(t, "Still here.", s.Messages()[1].Content)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1, d.dials())
}

func TestSession_StopDropsStaleFrames(t *testing.T) {
	ctx := context.Background()
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)

	require.NoError(t, s.SendMessage(ctx, "first question"))
	tr.push(`{"type":"streaming_chunk","content":"Partial"}`)
	eventually(t, func() bool { return s.Snapshot().Typing.CurrentResponse == "Partial" })

	s.StopRequest()
	assert.False(t, s.Snapshot().Typing.IsTyping)

	require.NoError(t, s.SendMessage(ctx, "second question"))
	tr.push(
		`{"type":"streaming_chunk","content":" stale tail"}`,
		`{"type":"complete","message":"stale answer"}`,
		`{"type":"typing_start"}`,
		`{"type":"message","message":"Fresh answer."}`,
	)
	eventually(t, func() bool { return len(s.Messages()) == 3 })

	msgs := s.Messages()
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, "second question", msgs[1].Content)
	assert.Equal(t, "Fresh answer.", msgs[2].Content)
}

func TestSession_StopIsDebounced(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d, WithStopDebounce(time.Hour))

	s.StopRequest()
	v := s.Snapshot().Version
	s.StopRequest()
	assert.Equal(t, v, s.Snapshot().Version)
}

func TestSession_TypingTimeout(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d, WithTypingTimeout(20*time.Millisecond))
	connected(t, s, d)

	require.NoError(t, s.SendMessage(context.Background(), "anyone?"))
	assert.True(t, s.Snapshot().Typing.IsTyping)

	eventually(t, func() bool { return !s.Snapshot().Typing.IsTyping })
	assert.Len(t, s.Messages(), 1)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_SendFailure(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)
	tr.failSends(errors.New("broken pipe"))

	err := s.SendMessage(context.Background(), "hello")
	var serr *SendError
	require.ErrorAs(t, err, &serr)

	snap := s.Snapshot()
	assert.False(t, snap.Typing.IsTyping)
	assert.Contains(t, snap.Err, "broken pipe")
	assert.Len(t, snap.Messages, 1)
}

func TestSession_SendValidation(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)

	assert.ErrorIs(t, s.SendMessage(context.Background(), "  \n"), ErrEmptyMessage)
	assert.ErrorIs(t, s.SendSystemMessage(context.Background(), "sys"), ErrNotConnected)
	assert.Empty(t, s.Messages())
	assert.Zero(t, d.dials())
}

func TestSession_SendSystemMessage(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)

	require.NoError(t, s.SendSystemMessage(context.Background(), "user opened the cart page"))
	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "user opened the cart page", reqs[0].Message)
	assert.Empty(t, s.Messages())
}

func TestSession_RestoresPersistedConversation(t *testing.T) {
	kv := NewMemoryKV()
	store := NewStore(kv, nil)
	store.PersistMessages(DefaultNamespace, []Message{
		{ID: "1", Role: RoleUser, Content: "hi"},
		{ID: "2", Role: RoleAssistant, Content: "Hello! How can I help?", AnimateTyping: true},
	})
	store.PersistConversationID(DefaultNamespace, "c-old")
	store.PersistSessionID(DefaultNamespace, "s-old")

	d := &mockDialer{}
	s := newTestSession(t, d, WithStore(kv))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].AnimateTyping)
	assert.Equal(t, "c-old", s.ConversationID())
	assert.Equal(t, "s-old", s.SessionID())

	tr := connected(t, s, d)
	u, err := url.Parse(tr.url)
	require.NoError(t, err)
	assert.Equal(t, "s-old", u.Query().Get("session_id"))
}

func TestSession_NewConversationAndResume(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	d := &mockDialer{}
	s := newTestSession(t, d, WithStore(kv))
	tr := connected(t, s, d)

	require.NoError(t, s.SendMessage(ctx, "first"))
	tr.push(`{"type":"message","message":"Answer.","conversation_id":"c1"}`)
	eventually(t, func() bool { return len(s.Messages()) == 2 })
	oldSession := s.SessionID()

	s.NewConversation()
	assert.Empty(t, s.Messages())
	assert.Empty(t, s.ConversationID())
	assert.NotEmpty(t, s.SessionID())
	assert.NotEqual(t, oldSession, s.SessionID())

	archives := s.Archives()
	require.Len(t, archives, 1)
	assert.Equal(t, "c1", archives[0].ConversationID)
	assert.Equal(t, oldSession, archives[0].SessionID)
	assert.Len(t, archives[0].Messages, 2)

	restored := NewStore(kv, nil).Restore(DefaultNamespace)
	assert.Empty(t, restored.Messages)
	assert.Equal(t, s.SessionID(), restored.SessionID)

	require.True(t, s.ResumeArchived("c1", oldSession))
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].AnimateTyping)
	assert.Equal(t, "c1", s.ConversationID())
	assert.Equal(t, oldSession, s.SessionID())
	assert.Empty(t, s.Archives(), "empty conversation must not be archived")

	assert.False(t, s.ResumeArchived("missing", ""))
}

func TestSession_Hooks(t *testing.T) {
	var (
		mu       sync.Mutex
		sent     []string
		received []string
	)
	d := &mockDialer{}
	s := newTestSession(t, d,
		WithOnSend(func(req *ChatRequest) {
			mu.Lock()
			sent = append(sent, req.Message)
			mu.Unlock()
		}),
		WithOnReceive(func(ev Event) {
			mu.Lock()
			received = append(received, ev.Type())
			mu.Unlock()
		}),
	)
	tr := connected(t, s, d)

	require.NoError(t, s.SendMessage(context.Background(), "hi"))
	tr.push(`{"type":"typing_start"}`)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hi"}, sent)
	assert.Equal(t, []string{EventTypingStart}, received)
}

func TestSession_Close(t *testing.T) {
	ctx := context.Background()
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)

	require.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())
	closed, code := tr.closedWith()
	assert.True(t, closed)
	assert.Equal(t, CloseNormal, code)

	assert.ErrorIs(t, s.SendMessage(ctx, "late"), ErrClosed)
	assert.ErrorIs(t, s.Connect(ctx), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{12, 2048 * time.Second},
		{13, MaxBackoffDelay},
		{40, MaxBackoffDelay},
		{1000, MaxBackoffDelay},
	}
	for _, tt := range tests {
		if got := BackoffDelay(time.Second, tt.attempt); got != tt.want {
			t.Errorf("BackoffDelay(1s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := BackoffDelay(2*time.Hour, 3); got != 2*time.Hour {
		t.Errorf("BackoffDelay(2h, 3) = %v, want 2h", got)
	}
}

// settle pushes a session_established marker and waits for it, so every
// frame pushed before it has been handled.
func settle(t *testing.T, s *Session, tr *mockTransport, marker string) {
	t.Helper()
	tr.push(`{"type":"session_established","session_id":"` + marker + `"}`)
	eventually(t, func() bool { return s.SessionID() == marker })
}

func TestSession_ErrorFrameWithNumericFields(t *testing.T) {
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)
	require.NoError(t, s.SendMessage(context.Background(), "help"))

	tr.push(`{"type":"error","code":500,"message":"backend exploded","conversation_id":42}`)
	eventually(t, func() bool { return s.Snapshot().Err == "backend exploded" })

	assert.Equal(t, "42", s.ConversationID())
	assert.False(t, s.Snapshot().Typing.IsTyping)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_StoppedTurnResumingAfterToolsIsDropped(t *testing.T) {
	ctx := context.Background()
	d := &mockDialer{}
	s := newTestSession(t, d)
	tr := connected(t, s, d)

	require.NoError(t, s.SendMessage(ctx, "q1"))
	tr.push(`{"type":"streaming_chunk","content":"Looking that up"}`)
	eventually(t, func() bool { return s.Snapshot().Typing.CurrentResponse == "Looking that up" })

	s.StopRequest()
	require.NoError(t, s.SendMessage(ctx, "q2"))
	tr.push(
		`{"type":"tool_result"}`,
		`{"type":"typing_start"}`,
		`{"type":"streaming_chunk","content":"Stale answer to q1"}`,
		`{"type":"complete"}`,
		`{"type":"typing_start"}`,
		`{"type":"streaming_chunk","content":"Answer to q2"}`,
		`{"type":"complete"}`,
	)
	eventually(t, func() bool { return len(s.Messages()) == 3 })

	msgs := s.Messages()
	assert.Equal(t, "q1", msgs[0].Content)
	assert.Equal(t, "q2", msgs[1].Content)
	assert.Equal(t, "Answer to q2", msgs[2].Content)
}

func TestSession_StopAfterNewSendIsNotDebounced(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	d := &mockDialer{}
	s := newTestSession(t, d, WithClock(func() time.Time { return fixed }))
	tr := connected(t, s, d)

	require.NoError(t, s.SendMessage(ctx, "q1"))
	tr.push(`{"type":"typing_start"}`)
	eventually(t, func() bool { return s.Snapshot().Typing.IsTyping })
	s.StopRequest()

	require.NoError(t, s.SendMessage(ctx, "q2"))
	tr.push(
		`{"type":"complete","message":"answer to q1"}`,
		`{"type":"typing_start"}`,
		`{"type":"streaming_chunk","content":"answer to q2 part"}`,
	)
	eventually(t, func() bool { return s.Snapshot().Typing.CurrentResponse == "answer to q2 part" })

	// Same clock instant as the first stop.
	s.StopRequest()
	assert.False(t, s.Snapshot().Typing.IsTyping)

	tr.push(`{"type":"complete"}`)
	settle(t, s, tr, "after-stop")

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "q2", msgs[1].Content)
}

func TestSession_ClockStampsMessagesAndArchives(t *testing.T) {
	fixed := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	d := &mockDialer{}
	s := newTestSession(t, d, WithClock(func() time.Time { return fixed }))
	tr := connected(t, s, d)

	require.NoError(t, s.SendMessage(context.Background(), "first"))
	tr.push(`{"type":"message","message":"Answer.","conversation_id":"c1"}`)
	eventually(t, func() bool { return len(s.Messages()) == 2 })
	for _, m := range s.Messages() {
		assert.Equal(t, fixed, m.Timestamp)
	}

	s.NewConversation()
	archives := s.Archives()
	require.Len(t, archives, 1)
	assert.True(t, fixed.Equal(archives[0].ArchivedAt), "ArchivedAt = %v", archives[0].ArchivedAt)
}
