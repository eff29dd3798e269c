package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoredCode is a pending one-time code. Only the bcrypt hash is kept.
type StoredCode struct {
	Hash      []byte
	ExpiresAt time.Time
	Attempts  int
}

// CodeStore persists pending one-time codes keyed by formatted RUT. Take
// removes the code in the same step that reads it, so only one verifier
// can hold a given code.
type CodeStore interface {
	Save(ctx context.Context, rut string, code StoredCode) error
	Take(ctx context.Context, rut string) (*StoredCode, error)
	// Restore puts a taken code back unless a newer one was saved meanwhile.
	Restore(ctx context.Context, rut string, code StoredCode) error
}

var errCodeNotFound = errors.New("auth: code not found")

// expiredRetention keeps expired codes around long enough to tell "expired"
// apart from "never requested".
const expiredRetention = time.Hour

// RedisCodeStore keeps codes in a Redis hash per RUT.
type RedisCodeStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCodeStore(client *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{client: client, prefix: "otp:"}
}

func (s *RedisCodeStore) key(rut string) string { return s.prefix + rut }

func (s *RedisCodeStore) Save(ctx context.Context, rut string, code StoredCode) error {
	key := s.key(rut)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		s.write(ctx, pipe, key, code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("auth: save code: %w", err)
	}
	return nil
}

func (s *RedisCodeStore) write(ctx context.Context, pipe redis.Pipeliner, key string, code StoredCode) {
	pipe.HSet(ctx, key,
		"hash", string(code.Hash),
		"expires_at", strconv.FormatInt(code.ExpiresAt.Unix(), 10),
		"attempts", strconv.Itoa(code.Attempts),
	)
	pipe.ExpireAt(ctx, key, code.ExpiresAt.Add(expiredRetention))
}

func (s *RedisCodeStore) Take(ctx context.Context, rut string) (*StoredCode, error) {
	key := s.key(rut)
	var fields *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: take code: %w", err)
	}
	return decodeCode(fields.Val())
}

func (s *RedisCodeStore) Restore(ctx context.Context, rut string, code StoredCode) error {
	key := s.key(rut)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, key, code)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// A new code landed between the check and the write.
		return nil
	}
	if err != nil {
		return fmt.Errorf("auth: restore code: %w", err)
	}
	return nil
}

func decodeCode(fields map[string]string) (*StoredCode, error) {
	hash, ok := fields["hash"]
	if !ok || hash == "" {
		return nil, errCodeNotFound
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: corrupt code expiry: %w", err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	return &StoredCode{Hash: []byte(hash), ExpiresAt: time.Unix(expires, 0), Attempts: attempts}, nil
}

// MemoryCodeStore is used when Redis is not configured.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]StoredCode
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]StoredCode)}
}

func (s *MemoryCodeStore) Save(_ context.Context, rut string, code StoredCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code.Hash = append([]byte(nil), code.Hash...)
	s.codes[rut] = code
	return nil
}

func (s *MemoryCodeStore) Take(_ context.Context, rut string) (*StoredCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[rut]
	if !ok {
		return nil, errCodeNotFound
	}
	delete(s.codes, rut)
	return &code, nil
}

func (s *MemoryCodeStore) Restore(_ context.Context, rut string, code StoredCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[rut]; ok {
		return nil
	}
	code.Hash = append([]byte(nil), code.Hash...)
	s.codes[rut] = code
	return nil
}
