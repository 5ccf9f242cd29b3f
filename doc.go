// Package agentsocket provides a Go client for conversational agent gateways
// that speak a JSON-over-WebSocket chat protocol.
//
// A [Session] owns one conversation: it resolves connection parameters,
// keeps the socket open with a bounded exponential reconnect policy, reduces
// server frames (streaming chunks, tool calls, terminal messages, handoffs,
// errors) into a transcript and persists that transcript through a
// pluggable key/value store.
//
// # Thread Safety
//
// [Session] is safe for concurrent use by multiple goroutines. Frames are
// handled one at a time in arrival order. A [Watcher] should only be consumed
// by a single goroutine.
//
// # Basic Usage
//
//	ctx := context.Background()
//
//	resolver := &agentsocket.HTTPResolver{Endpoint: "https://example.com/wp-json/chat/v1/config"}
//	session := agentsocket.New(ctx, resolver,
//	    agentsocket.WithNamespace("help-center"),
//	)
//	defer session.Close()
//
//	if err := session.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := session.SendMessage(ctx, "Where is my order?"); err != nil {
//	    log.Fatal(err)
//	}
//
//	for snap := range session.Updates(ctx) {
//	    if snap.Typing.IsTyping {
//	        fmt.Print(".")
//	        continue
//	    }
//	    last := snap.Messages[len(snap.Messages)-1]
//	    if last.Role == agentsocket.RoleAssistant {
//	        fmt.Println(last.Content)
//	        break
//	    }
//	}
//
// # Tools
//
// Tool calls requested by the agent are normalized and handed to a
// [ToolExecutor]. A [Toolbox] is the usual executor:
//
//	tb := agentsocket.NewToolbox()
//	tb.Add(myTool)
//	session := agentsocket.New(ctx, resolver, agentsocket.WithToolExecutor(tb))
//
// # Observability
//
// Use [WithLogger], [WithOnSend], and [WithOnReceive] to add logging and
// monitoring to the session:
//
//	session := agentsocket.New(ctx, resolver,
//	    agentsocket.WithLogger(slog.Default()),
//	    agentsocket.WithOnReceive(func(ev agentsocket.Event) {
//	        metrics.FramesReceived.Inc()
//	    }),
//	)
package agentsocket
