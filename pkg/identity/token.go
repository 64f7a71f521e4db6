package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BpiClaims extends standard JWT claims with the authenticated
// subject. Fields must align with what the api middleware extracts.
type BpiClaims struct {
	jwt.RegisteredClaims
	SubjectID string `json:"subject_id"`
}

// TokenManager mints and validates HS256 access tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenManager(secret []byte, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: secret, ttl: ttl}
}

// GenerateToken creates a signed JWT for a subject.
func (tm *TokenManager) GenerateToken(subjectID string) (string, error) {
	now := time.Now().UTC()
	claims := BpiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			Issuer:    "bpi/identity",
		},
		SubjectID: subjectID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

// ValidateToken parses and validates a JWT string.
func (tm *TokenManager) ValidateToken(tokenString string) (*BpiClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &BpiClaims{},
		func(t *jwt.Token) (interface{}, error) { return tm.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*BpiClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}
