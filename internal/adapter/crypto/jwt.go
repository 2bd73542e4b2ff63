package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gitlab.com/vmfleet.net/internal/config"
	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

var _ primary.TokenService = (*JWTServiceImpl)(nil)

var (
	ErrInvalidToken = fmt.Errorf("invalid token: %w", errs.ErrUnauthorized)
)

const (
	tokenKindWorker = "worker"
	tokenKindUser   = "user"
	issuer          = "vmfleet-coordinator"
)

type claims struct {
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// JWTServiceImpl signs HS256 tokens. Worker tokens use their own secret so
// that a leaked user token never authenticates a heartbeat.
type JWTServiceImpl struct {
	HMACSecretKey   string
	WorkerSecretKey string
	now             func() time.Time
}

func NewJWTService(jwtConfig *config.JwtConfig) *JWTServiceImpl {
	workerSecret := jwtConfig.WorkerSecret
	if workerSecret == "" {
		workerSecret = jwtConfig.Secret
	}
	return &JWTServiceImpl{
		HMACSecretKey:   jwtConfig.Secret,
		WorkerSecretKey: workerSecret,
		now:             time.Now,
	}
}

func (J *JWTServiceImpl) IssueWorkerToken(ctx context.Context, workerID string, ttl time.Duration) (string, error) {
	return J.sign(tokenKindWorker, workerID, ttl, J.WorkerSecretKey)
}

// IssueUserToken mints an API token for an owner or operator. Login lives
// outside the coordinator; this is for tooling and tests.
func (J *JWTServiceImpl) IssueUserToken(ctx context.Context, subject string, ttl time.Duration) (string, error) {
	return J.sign(tokenKindUser, subject, ttl, J.HMACSecretKey)
}

func (J *JWTServiceImpl) VerifyWorkerToken(ctx context.Context, token string) (string, error) {
	return J.verify(token, tokenKindWorker, J.WorkerSecretKey)
}

func (J *JWTServiceImpl) VerifyUserToken(ctx context.Context, token string) (string, error) {
	return J.verify(token, tokenKindUser, J.HMACSecretKey)
}

func (J *JWTServiceImpl) sign(kind, subject string, ttl time.Duration, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is not configured: %w", errs.GeneratingToken)
	}
	if subject == "" {
		return "", fmt.Errorf("token subject is required: %w", errs.GeneratingToken)
	}
	now := J.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (J *JWTServiceImpl) verify(token, kind, secret string) (string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(J.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("token expired: %w", errs.ErrUnauthorized)
		}
		return "", fmt.Errorf("%v: %w", err, ErrInvalidToken)
	}
	if !parsed.Valid || c.Kind != kind || c.Subject == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}
