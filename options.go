package agentsocket

import (
	"log/slog"
	"time"
)

// Defaults for the connection and typing policies.
const (
	DefaultMaxAttempts     = 5
	DefaultBaseDelay       = time.Second
	DefaultTypingTimeout   = 60 * time.Second
	DefaultStopDebounce    = 300 * time.Millisecond
	DefaultNamespace       = "default"
	DefaultConsumerType    = "chat"
	DefaultFallbackMessage = "We're having trouble connecting right now. Please try again in a moment."
)

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	logger    *slog.Logger
	onSend    func(*ChatRequest)
	onReceive func(Event)

	maxAttempts   int
	baseDelay     time.Duration
	typingTimeout time.Duration
	stopDebounce  time.Duration

	namespace       string
	consumerType    string
	fallbackMessage string
	placeholders    []string
	archiveLimit    int

	storage  KV
	scratch  KV
	dialer   Dialer
	executor ToolExecutor
	now      func() time.Time
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		maxAttempts:     DefaultMaxAttempts,
		baseDelay:       DefaultBaseDelay,
		typingTimeout:   DefaultTypingTimeout,
		stopDebounce:    DefaultStopDebounce,
		namespace:       DefaultNamespace,
		consumerType:    DefaultConsumerType,
		fallbackMessage: DefaultFallbackMessage,
		archiveLimit:    DefaultArchiveLimit,
		now:             time.Now,
	}
}

// WithLogger sets a structured logger for the session.
func WithLogger(logger *slog.Logger) Option {
	return func(c *sessionConfig) {
		c.logger = logger
	}
}

// WithOnSend sets a callback invoked before each request is sent.
func WithOnSend(fn func(*ChatRequest)) Option {
	return func(c *sessionConfig) {
		c.onSend = fn
	}
}

// WithOnReceive sets a callback invoked after each frame is decoded.
func WithOnReceive(fn func(Event)) Option {
	return func(c *sessionConfig) {
		c.onReceive = fn
	}
}

// WithMaxAttempts sets how many reconnects are attempted before giving up.
// The initial attempt is not counted: with n reconnects the session moves to
// the failed state on the (n+1)-th consecutive abnormal close, and with 0 on
// the first one.
func WithMaxAttempts(n int) Option {
	return func(c *sessionConfig) {
		c.maxAttempts = n
	}
}

// WithBaseDelay sets the first reconnect delay; later attempts double it.
func WithBaseDelay(d time.Duration) Option {
	return func(c *sessionConfig) {
		c.baseDelay = d
	}
}

// WithTypingTimeout sets how long the typing indicator survives without frames.
func WithTypingTimeout(d time.Duration) Option {
	return func(c *sessionConfig) {
		c.typingTimeout = d
	}
}

// WithStopDebounce sets the window in which repeated stop requests are ignored.
func WithStopDebounce(d time.Duration) Option {
	return func(c *sessionConfig) {
		c.stopDebounce = d
	}
}

// WithNamespace sets the logical surface whose history is persisted.
func WithNamespace(ns string) Option {
	return func(c *sessionConfig) {
		c.namespace = ns
	}
}

// WithConsumerType sets the consumer discriminator sent in the socket URL.
func WithConsumerType(t string) Option {
	return func(c *sessionConfig) {
		c.consumerType = t
	}
}

// WithFallbackMessage sets the local reply shown when a message is sent
// while the connection has failed.
func WithFallbackMessage(msg string) Option {
	return func(c *sessionConfig) {
		c.fallbackMessage = msg
	}
}

// WithPlaceholders adds backend sentinels that must never be displayed.
func WithPlaceholders(placeholders ...string) Option {
	return func(c *sessionConfig) {
		c.placeholders = append(c.placeholders, placeholders...)
	}
}

// WithArchiveLimit bounds the number of archived conversations.
func WithArchiveLimit(n int) Option {
	return func(c *sessionConfig) {
		c.archiveLimit = n
	}
}

// WithStore sets the persistent key/value storage. Defaults to memory.
func WithStore(kv KV) Option {
	return func(c *sessionConfig) {
		c.storage = kv
	}
}

// WithScratch sets the ephemeral storage used for the connection-failed flag.
func WithScratch(kv KV) Option {
	return func(c *sessionConfig) {
		c.scratch = kv
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *sessionConfig) {
		c.dialer = d
	}
}

// WithToolExecutor sets the callback receiving normalized tool calls.
func WithToolExecutor(e ToolExecutor) Option {
	return func(c *sessionConfig) {
		c.executor = e
	}
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *sessionConfig) {
		c.now = now
	}
}
