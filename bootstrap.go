package agentsocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultAgentType is used when the resolved config names no agent type.
const DefaultAgentType = "support_agent"

// legacyAgentTypes maps retired agent type names to their canonical value.
var legacyAgentTypes = map[string]string{
	"sales": "sales_agent",
}

// ConnConfig holds the connection parameters returned by the config resolver.
type ConnConfig struct {
	GatewayURL string
	Token      string
	SiteURL    string
	BrandID    string
	AgentType  string
	SiteID     string
}

// Validate checks the fields a connection cannot do without.
func (c *ConnConfig) Validate() error {
	if strings.TrimSpace(c.GatewayURL) == "" {
		return &ConfigError{Reason: "missing gateway_url"}
	}
	if strings.TrimSpace(c.Token) == "" {
		return &ConfigError{Reason: "missing token"}
	}
	return nil
}

// ConfigResolver fetches connection parameters, typically over REST.
type ConfigResolver interface {
	ResolveConfig(ctx context.Context) (*ConnConfig, error)
}

// ResolverFunc adapts a function to ConfigResolver.
type ResolverFunc func(ctx context.Context) (*ConnConfig, error)

// ResolveConfig calls f.
func (f ResolverFunc) ResolveConfig(ctx context.Context) (*ConnConfig, error) {
	return f(ctx)
}

// StaticResolver always returns a copy of the wrapped config.
type StaticResolver struct {
	Config ConnConfig
}

// ResolveConfig returns the static config.
func (r StaticResolver) ResolveConfig(context.Context) (*ConnConfig, error) {
	cfg := r.Config
	return &cfg, nil
}

// HTTPResolver fetches the connection config from a JSON endpoint.
type HTTPResolver struct {
	// Endpoint is the URL of the config endpoint.
	Endpoint string

	// Nonce, when set, is sent in the X-WP-Nonce header.
	Nonce string

	// Header holds additional request headers.
	Header http.Header

	// Client is the HTTP client; http.DefaultClient when nil.
	Client *http.Client
}

type configResponse struct {
	GatewayURL string     `json:"gateway_url"`
	HUAPIToken string     `json:"huapi_token"`
	AuthToken  string     `json:"auth_token"`
	SiteURL    string     `json:"site_url"`
	BrandID    flexString `json:"brand_id"`
	AgentType  string     `json:"agent_type"`
	SiteID     flexString `json:"site_id"`
}

// ResolveConfig performs one GET request against the endpoint.
func (r *HTTPResolver) ResolveConfig(ctx context.Context) (*ConnConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Endpoint, nil)
	if err != nil {
		return nil, &ConfigError{Reason: "building request", Err: err}
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if r.Nonce != "" {
		req.Header.Set("X-WP-Nonce", r.Nonce)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ConfigError{Reason: "fetching config", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ConfigError{Reason: "reading config", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ConfigError{Reason: fmt.Sprintf("config endpoint returned %d", resp.StatusCode)}
	}

	var cr configResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, &ConfigError{Reason: "decoding config", Err: err}
	}

	token := cr.HUAPIToken
	if token == "" {
		token = cr.AuthToken
	}
	cfg := &ConnConfig{
		GatewayURL: cr.GatewayURL,
		Token:      token,
		SiteURL:    cr.SiteURL,
		BrandID:    string(cr.BrandID),
		AgentType:  cr.AgentType,
		SiteID:     string(cr.SiteID),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bootstrap resolves the connection config once and caches it in memory.
type bootstrap struct {
	resolver  ConfigResolver
	store     *Store
	namespace string
	logger    *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	cached *ConnConfig
}

func newBootstrap(resolver ConfigResolver, store *Store, namespace string, logger *slog.Logger) *bootstrap {
	return &bootstrap{
		resolver:  resolver,
		store:     store,
		namespace: namespace,
		logger:    logger.With("component", "bootstrap"),
	}
}

// resolve returns the cached config or asks the resolver. Concurrent callers
// share one resolution. Failures are not cached.
func (b *bootstrap) resolve(ctx context.Context) (*ConnConfig, error) {
	b.mu.Lock()
	cached := b.cached
	b.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := b.group.Do("config", func() (any, error) {
		if b.resolver == nil {
			return nil, &ConfigError{Reason: "no config resolver"}
		}
		cfg, err := b.resolver.ResolveConfig(ctx)
		if err != nil {
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				err = &ConfigError{Reason: "resolving config", Err: err}
			}
			return nil, err
		}
		if cfg == nil {
			return nil, &ConfigError{Reason: "resolver returned no config"}
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		cfg.AgentType = NormalizeAgentType(cfg.AgentType)

		if cfg.SiteID != "" && b.store != nil {
			b.store.AdoptScope(cfg.SiteID, b.namespace)
		}

		b.mu.Lock()
		b.cached = cfg
		b.mu.Unlock()

		b.logger.Debug("resolved connection config",
			slog.String("gateway", cfg.GatewayURL),
			slog.String("agent_type", cfg.AgentType),
			slog.String("site_id", cfg.SiteID),
		)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ConnConfig), nil
}

func (b *bootstrap) clear() {
	b.mu.Lock()
	b.cached = nil
	b.mu.Unlock()
}

// NewSessionID generates a client-side session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NormalizeAgentType maps legacy agent type aliases to canonical names.
func NormalizeAgentType(agentType string) string {
	agentType = strings.TrimSpace(agentType)
	if agentType == "" {
		return DefaultAgentType
	}
	if canonical, ok := legacyAgentTypes[agentType]; ok {
		return canonical
	}
	return agentType
}

// NormalizeGatewayURL converts an HTTP(S) gateway URL to its WS(S)
// equivalent. Bare hosts get ws:// when they look local and wss:// otherwise.
func NormalizeGatewayURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", &ConfigError{Reason: "empty gateway url"}
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "https://"):
		return "wss://" + raw[len("https://"):], nil
	case strings.HasPrefix(lower, "http://"):
		return "ws://" + raw[len("http://"):], nil
	case strings.HasPrefix(lower, "wss://"), strings.HasPrefix(lower, "ws://"):
		return raw, nil
	}

	host := raw
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	if isLocalHost(host) {
		return "ws://" + raw, nil
	}
	return "wss://" + raw, nil
}

func isLocalHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(strings.ToLower(host), "[]")
	switch host {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	}
	return strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")
}

// BuildSocketURL derives the socket URL:
//
//	{ws|wss}://{host}/{brand}/agents/{agentType}/v1/ws?session_id=..&token=..&consumer=wordpress_{consumerType}
func BuildSocketURL(cfg *ConnConfig, sessionID, consumerType string) (string, error) {
	base, err := NormalizeGatewayURL(cfg.GatewayURL)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(base)
	if cfg.BrandID != "" {
		sb.WriteString("/")
		sb.WriteString(url.PathEscape(cfg.BrandID))
	}
	sb.WriteString("/agents/")
	sb.WriteString(url.PathEscape(NormalizeAgentType(cfg.AgentType)))
	sb.WriteString("/v1/ws?session_id=")
	sb.WriteString(url.QueryEscape(sessionID))
	sb.WriteString("&token=")
	sb.WriteString(url.QueryEscape(cfg.Token))
	sb.WriteString("&consumer=")
	sb.WriteString(url.QueryEscape("wordpress_" + consumerType))
	return sb.String(), nil
}

// redactURL hides the token query parameter for logs and errors.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
