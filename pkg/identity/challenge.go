package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// ChallengeStore issues and consumes one-time login challenges keyed
// by the caller's public key. Consume is strictly one-shot: a second
// call with the same nonce must fail.
type ChallengeStore interface {
	Issue(ctx context.Context, pubKey string) (string, error)
	Consume(ctx context.Context, pubKey, nonce string) bool
}

func newNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: nonce entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type memoryChallenge struct {
	nonce     string
	expiresAt time.Time
}

// MemoryChallengeStore keeps challenges in process memory. Issuing a
// new challenge for a key replaces any outstanding one.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	challenges map[string]memoryChallenge
	clock      func() time.Time
}

func NewMemoryChallengeStore(ttl time.Duration) *MemoryChallengeStore {
	return &MemoryChallengeStore{
		ttl:        ttl,
		challenges: make(map[string]memoryChallenge),
		clock:      time.Now,
	}
}

func (s *MemoryChallengeStore) Issue(_ context.Context, pubKey string) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.challenges[pubKey] = memoryChallenge{nonce: nonce, expiresAt: s.clock().Add(s.ttl)}
	return nonce, nil
}

func (s *MemoryChallengeStore) Consume(_ context.Context, pubKey, nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[pubKey]
	if !ok {
		return false
	}
	delete(s.challenges, pubKey)
	return c.nonce == nonce && s.clock().Before(c.expiresAt)
}

// sweepLocked drops expired entries so abandoned challenges do not
// accumulate. Caller holds s.mu.
func (s *MemoryChallengeStore) sweepLocked() {
	now := s.clock()
	for k, c := range s.challenges {
		if !now.Before(c.expiresAt) {
			delete(s.challenges, k)
		}
	}
}

// RedisChallengeStore backs challenges with Redis so multiple node
// replicas share one challenge space. GETDEL gives the one-shot
// consume semantics.
type RedisChallengeStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

func NewRedisChallengeStore(client *backend.Client, ttl time.Duration) *RedisChallengeStore {
	return &RedisChallengeStore{
		client: client,
		prefix: "bpi:auth:challenge:",
		ttl:    ttl,
	}
}

func (s *RedisChallengeStore) key(pubKey string) string {
	return s.prefix + pubKey
}

func (s *RedisChallengeStore) Issue(ctx context.Context, pubKey string) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.key(pubKey), nonce, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("identity: store challenge: %w", err)
	}
	return nonce, nil
}

func (s *RedisChallengeStore) Consume(ctx context.Context, pubKey, nonce string) bool {
	stored, err := s.client.GetDel(ctx, s.key(pubKey)).Result()
	if err != nil {
		return false
	}
	return stored == nonce
}
