package agentsocket

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultArchiveLimit bounds the number of archived conversations per namespace.
const DefaultArchiveLimit = 3

// ScopeKey is the unscoped key holding the site identifier used as scope.
const ScopeKey = "agentsocket-site-id"

// Key suffixes for the per-namespace values.
const (
	suffixHistory        = "history"
	suffixConversationID = "conversation-id"
	suffixSessionID      = "session-id"
	suffixArchive        = "archive"
)

var namespaceSuffixes = []string{suffixHistory, suffixConversationID, suffixSessionID, suffixArchive}

// KV is a string key/value capability such as browser local storage, a
// file or a database table. A missing key is reported with ok=false.
type KV interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// MemoryKV is an in-memory KV. It is safe for concurrent use.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns all keys, for tests and debugging.
func (m *MemoryKV) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// ArchiveEntry is a saved snapshot of a finished conversation.
type ArchiveEntry struct {
	SessionID      string    `json:"sessionId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages"`
	ArchivedAt     time.Time `json:"archivedAt"`
}

// Restored is the persisted state of one namespace.
type Restored struct {
	Messages       []Message
	ConversationID string
	SessionID      string
}

// Store persists conversation state under scoped, namespaced keys. Storage
// failures are logged and swallowed; no method returns an error.
type Store struct {
	kv     KV
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	scope string
}

// NewStore creates a store over kv. The current scope is read from ScopeKey.
func NewStore(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		kv:     kv,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}
	if scope, ok := s.get(ScopeKey); ok {
		s.scope = scope
	}
	return s
}

// SetClock replaces time.Now for archive timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Scope returns the current site scope, or "" when none is known yet.
func (s *Store) Scope() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scope
}

// Key returns the storage key for a namespace value under the current scope.
func (s *Store) Key(namespace, suffix string) string {
	return scopedKey(s.Scope(), namespace, suffix)
}

func scopedKey(scope, namespace, suffix string) string {
	if scope == "" {
		return namespace + "-" + suffix
	}
	return scope + "-" + namespace + "-" + suffix
}

// AdoptScope switches to scope. When it differs from the stored one, every
// value of the given namespaces is migrated from the previous prefix (the
// unscoped one when no scope was known) to the new prefix.
func (s *Store) AdoptScope(scope string, namespaces ...string) {
	if scope == "" {
		return
	}

	prev := s.Scope()
	if prev == scope {
		return
	}

	for _, ns := range namespaces {
		for _, suffix := range namespaceSuffixes {
			s.MigrateKey(scopedKey(prev, ns, suffix), scopedKey(scope, ns, suffix))
		}
	}

	s.set(ScopeKey, scope)
	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()

	s.logger.Info("adopted storage scope", slog.String("from", prev), slog.String("to", scope))
}

// MigrateKey moves the value at from to to. Existing data at to is never
// overwritten; the old key is removed either way.
func (s *Store) MigrateKey(from, to string) {
	if from == to {
		return
	}
	value, ok := s.get(from)
	if !ok {
		return
	}
	if _, exists := s.get(to); !exists {
		s.set(to, value)
	} else {
		s.logger.Debug("migration target already populated", slog.String("from", from), slog.String("to", to))
	}
	s.remove(from)
}

// Restore reads the persisted state of namespace.
func (s *Store) Restore(namespace string) Restored {
	var r Restored
	if raw, ok := s.get(s.Key(namespace, suffixHistory)); ok {
		if err := json.Unmarshal([]byte(raw), &r.Messages); err != nil {
			s.logger.Warn("discarding unreadable history", slog.String("namespace", namespace), slog.Any("error", err))
			r.Messages = nil
		}
	}
	r.ConversationID, _ = s.get(s.Key(namespace, suffixConversationID))
	r.SessionID, _ = s.get(s.Key(namespace, suffixSessionID))
	return r
}

// PersistMessages stores msgs. A thread without any non-empty user message
// is not worth keeping and its key is removed instead.
func (s *Store) PersistMessages(namespace string, msgs []Message) {
	key := s.Key(namespace, suffixHistory)
	if !hasUserContent(msgs) {
		s.remove(key)
		return
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		s.logger.Warn("encoding history", slog.String("namespace", namespace), slog.Any("error", err))
		return
	}
	s.set(key, string(data))
}

// PersistConversationID stores id; an empty id removes the key.
func (s *Store) PersistConversationID(namespace, id string) {
	key := s.Key(namespace, suffixConversationID)
	if id == "" {
		s.remove(key)
		return
	}
	s.set(key, id)
}

// PersistSessionID stores id; an empty id removes the key.
func (s *Store) PersistSessionID(namespace, id string) {
	key := s.Key(namespace, suffixSessionID)
	if id == "" {
		s.remove(key)
		return
	}
	s.set(key, id)
}

// Clear removes the live conversation of namespace. Archives are kept.
func (s *Store) Clear(namespace string) {
	s.remove(s.Key(namespace, suffixHistory))
	s.remove(s.Key(namespace, suffixConversationID))
	s.remove(s.Key(namespace, suffixSessionID))
}

// Archives returns the archive of namespace, most recent first.
func (s *Store) Archives(namespace string) []ArchiveEntry {
	raw, ok := s.get(s.Key(namespace, suffixArchive))
	if !ok {
		return nil
	}
	var entries []ArchiveEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.Warn("discarding unreadable archive", slog.String("namespace", namespace), slog.Any("error", err))
		return nil
	}
	return entries
}

// Archive saves a conversation snapshot at the head of the archive. An entry
// for the same conversation (or session, without a conversation id) is
// replaced. Snapshots without any identifier are refused, since they would
// collide with unrelated entries.
func (s *Store) Archive(namespace string, msgs []Message, sessionID, conversationID string, maxItems int) {
	if sessionID == "" && conversationID == "" {
		s.logger.Debug("refusing to archive conversation without identifiers", slog.String("namespace", namespace))
		return
	}
	if len(msgs) == 0 {
		return
	}
	if maxItems <= 0 {
		maxItems = DefaultArchiveLimit
	}

	entry := ArchiveEntry{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Messages:       msgs,
		ArchivedAt:     s.now().UTC(),
	}

	entries := []ArchiveEntry{entry}
	for _, e := range s.Archives(namespace) {
		if sameConversation(e, conversationID, sessionID) {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) > maxItems {
		entries = entries[:maxItems]
	}
	s.writeArchives(namespace, entries)
}

// Unarchive removes and returns the entry matching conversationID (or
// sessionID when conversationID is empty).
func (s *Store) Unarchive(namespace, conversationID, sessionID string) (ArchiveEntry, bool) {
	entries := s.Archives(namespace)
	for i, e := range entries {
		if !sameConversation(e, conversationID, sessionID) {
			continue
		}
		rest := append(entries[:i:i], entries[i+1:]...)
		s.writeArchives(namespace, rest)
		return e, true
	}
	return ArchiveEntry{}, false
}

func (s *Store) writeArchives(namespace string, entries []ArchiveEntry) {
	key := s.Key(namespace, suffixArchive)
	if len(entries) == 0 {
		s.remove(key)
		return
	}
	data, err := json.Marshal(entries)
	if err != nil {
		s.logger.Warn("encoding archive", slog.String("namespace", namespace), slog.Any("error", err))
		return
	}
	s.set(key, string(data))
}

func sameConversation(e ArchiveEntry, conversationID, sessionID string) bool {
	if conversationID != "" {
		return e.ConversationID == conversationID
	}
	return sessionID != "" && e.SessionID == sessionID
}

func hasUserContent(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}

func (s *Store) get(key string) (string, bool) {
	v, ok, err := s.kv.Get(key)
	if err != nil {
		s.logger.Warn("storage read failed", slog.String("key", key), slog.Any("error", err))
		return "", false
	}
	return v, ok
}

func (s *Store) set(key, value string) {
	if err := s.kv.Set(key, value); err != nil {
		s.logger.Warn("storage write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Store) remove(key string) {
	if err := s.kv.Remove(key); err != nil {
		s.logger.Warn("storage remove failed", slog.String("key", key), slog.Any("error", err))
	}
}
