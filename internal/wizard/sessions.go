package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// StateStore persists session state so a session survives a process
// restart or lands on another instance.
type StateStore interface {
	Save(ctx context.Context, st State) error
	Load(ctx context.Context, id string) (*State, error)
	Delete(ctx context.Context, id string) error
}

var errStateNotFound = errors.New("wizard: state not found")

// RedisStateStore keeps each session as one JSON value with a TTL.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStateStore{client: client, prefix: "wizard:", ttl: ttl}
}

func (s *RedisStateStore) key(id string) string { return s.prefix + id }

func (s *RedisStateStore) Save(ctx context.Context, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("wizard: encode state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(st.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("wizard: save state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Load(ctx context.Context, id string) (*State, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wizard: load state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("wizard: decode state: %w", err)
	}
	return &st, nil
}

func (s *RedisStateStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("wizard: delete state: %w", err)
	}
	return nil
}

type liveSession struct {
	wizard   *Wizard
	lastSeen time.Time
}

// Sessions holds the live wizards of this process. Idle sessions are evicted
// by Sweep and reloaded from the StateStore on the next request.
type Sessions struct {
	deps  Deps
	cfg   Config
	store StateStore
	idle  time.Duration
	log   *logging.Logger

	mu   sync.Mutex
	live map[string]*liveSession
}

// SessionsConfig configures the registry. Store is optional.
type SessionsConfig struct {
	Deps        Deps
	Config      Config
	Store       StateStore
	IdleTimeout time.Duration
}

func NewSessions(cfg SessionsConfig) *Sessions {
	deps := cfg.Deps.withDefaults()
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &Sessions{
		deps:  deps,
		cfg:   cfg.Config.withDefaults(),
		store: cfg.Store,
		idle:  idle,
		log:   deps.Logger.Component("wizard.sessions"),
		live:  make(map[string]*liveSession),
	}
}

// Create starts a new session at the entry step.
func (s *Sessions) Create(ctx context.Context) *Wizard {
	w := New(s.deps, s.cfg)
	s.mu.Lock()
	s.live[w.ID()] = &liveSession{wizard: w, lastSeen: s.cfg.Clock()}
	s.mu.Unlock()
	s.Save(ctx, w)
	return w
}

// Get returns the live session, restoring it from the store if needed.
func (s *Sessions) Get(ctx context.Context, id string) (*Wizard, error) {
	s.mu.Lock()
	if ls, ok := s.live[id]; ok {
		ls.lastSeen = s.cfg.Clock()
		s.mu.Unlock()
		return ls.wizard, nil
	}
	s.mu.Unlock()

	if s.store == nil {
		return nil, ErrSessionNotFound
	}
	st, err := s.store.Load(ctx, id)
	if errors.Is(err, errStateNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another request may have restored it meanwhile.
	if ls, ok := s.live[id]; ok {
		ls.lastSeen = s.cfg.Clock()
		return ls.wizard, nil
	}
	w := restore(*st, s.deps, s.cfg)
	s.live[id] = &liveSession{wizard: w, lastSeen: s.cfg.Clock()}
	s.log.Debug("session restored", "session_id", id, "step", st.Step)
	return w, nil
}

// Save persists the session. Store failures are logged only; the live copy
// stays authoritative.
func (s *Sessions) Save(ctx context.Context, w *Wizard) {
	if s.store == nil || w == nil {
		return
	}
	if err := s.store.Save(ctx, w.State()); err != nil {
		s.log.Warn("session persist failed", "session_id", w.ID(), "error", err)
	}
}

// Sweep evicts sessions idle for longer than the idle timeout and returns
// how many were dropped.
func (s *Sessions) Sweep() int {
	cutoff := s.cfg.Clock().Add(-s.idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, ls := range s.live {
		if ls.lastSeen.Before(cutoff) {
			delete(s.live, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Run sweeps on every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debug("idle sessions evicted", "count", n)
			}
		}
	}
}
