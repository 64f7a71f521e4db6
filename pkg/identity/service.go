package identity

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
	"github.com/Mindburn-Labs/bpi/pkg/crypto"
	"github.com/Mindburn-Labs/bpi/pkg/storage"
)

// challenge issuance limits, per public key
const (
	issueRate  = rate.Limit(1)
	issueBurst = 5
)

// Service runs the challenge-response login flow: a caller requests a
// nonce for its ECDSA public key, signs it, and trades the proof for
// an access token.
type Service struct {
	challenges ChallengeStore
	tokens     *TokenManager
	subjects   *storage.SubjectStore
	logger     *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewService(challenges ChallengeStore, tokens *TokenManager, subjects *storage.SubjectStore) *Service {
	return &Service{
		challenges: challenges,
		tokens:     tokens,
		subjects:   subjects,
		logger:     slog.Default().With("component", "identity"),
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (s *Service) limiter(pubKey string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[pubKey]
	if !ok {
		l = rate.NewLimiter(issueRate, issueBurst)
		s.limiters[pubKey] = l
	}
	return l
}

// GenerateNonce issues a fresh login challenge for the public key.
func (s *Service) GenerateNonce(ctx context.Context, pubKey string) (string, error) {
	if pubKey == "" {
		return "", &contracts.AuthenticationError{Reason: "missing public key"}
	}
	if !s.limiter(pubKey).Allow() {
		return "", &contracts.AuthenticationError{Reason: "challenge rate exceeded"}
	}
	return s.challenges.Issue(ctx, pubKey)
}

// Login consumes the outstanding challenge for pubKeyHex, verifies the
// ECDSA proof over it and mints a token for the owning subject. Any
// failure is an AuthenticationError and leaves no state behind: the
// challenge is spent either way.
func (s *Service) Login(ctx context.Context, message, sigHex, pubKeyHex string) (string, error) {
	if !s.challenges.Consume(ctx, pubKeyHex, message) {
		return "", &contracts.AuthenticationError{Reason: "unknown or expired challenge"}
	}
	if !crypto.VerifyEcdsaLoginProof(message, sigHex, pubKeyHex) {
		s.logger.Info("login proof rejected", "public_key", pubKeyHex)
		return "", &contracts.AuthenticationError{Reason: "invalid signature"}
	}

	subject, err := s.subjects.GetSubjectByKey(ctx, contracts.KeyTypeEcdsa, pubKeyHex)
	if err != nil {
		return "", &contracts.AuthenticationError{Reason: "unknown subject"}
	}

	token, err := s.tokens.GenerateToken(subject.ID)
	if err != nil {
		return "", err
	}
	s.logger.Info("subject authenticated", "subject", subject.ID)
	return token, nil
}
