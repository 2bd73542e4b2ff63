package primary

import (
	"context"
	"time"
)

// TokenService issues and verifies the HMAC tokens workers present on
// heartbeat and that operators present on the REST API.
type TokenService interface {
	IssueWorkerToken(ctx context.Context, workerID string, ttl time.Duration) (string, error)
	// VerifyWorkerToken returns the worker id the token was issued for.
	VerifyWorkerToken(ctx context.Context, token string) (string, error)
	// VerifyUserToken returns the subject of an operator or owner token.
	VerifyUserToken(ctx context.Context, token string) (string, error)
}
