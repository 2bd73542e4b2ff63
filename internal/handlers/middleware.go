package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
)

type ctxKey int

const (
	subjectKey ctxKey = iota
	operatorKey
	workerKey
)

// MiddlewareProvider authenticates API callers. User tokens identify an
// owner or an operator; worker tokens identify the worker a heartbeat is
// for.
type MiddlewareProvider struct {
	tokens    primary.TokenService
	operators map[string]struct{}
}

func New(tokens primary.TokenService, operatorSubjects []string) *MiddlewareProvider {
	operators := make(map[string]struct{}, len(operatorSubjects))
	for _, s := range operatorSubjects {
		operators[s] = struct{}{}
	}
	return &MiddlewareProvider{
		tokens:    tokens,
		operators: operators,
	}
}

func bearer(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(authHeader, "Bearer "), true
}

// JWTMiddleware requires a valid user token and records its subject.
func (m *MiddlewareProvider) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearer(r)
		if !ok {
			ResponseError(w, "Authorization header missing", http.StatusUnauthorized)
			return
		}
		subject, err := m.tokens.VerifyUserToken(r.Context(), tokenString)
		if err != nil {
			ResponseError(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		_, operator := m.operators[subject]
		ctx := context.WithValue(r.Context(), subjectKey, subject)
		ctx = context.WithValue(ctx, operatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OperatorOnly rejects callers that are not operators. It must run after
// JWTMiddleware.
func (m *MiddlewareProvider) OperatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsOperator(r.Context()) {
			ResponseError(w, "Operator access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WorkerMiddleware requires a worker token issued for the {workerId} path
// variable.
func (m *MiddlewareProvider) WorkerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearer(r)
		if !ok {
			ResponseError(w, "Authorization header missing", http.StatusUnauthorized)
			return
		}
		workerID, err := m.tokens.VerifyWorkerToken(r.Context(), tokenString)
		if err != nil || workerID != mux.Vars(r)["workerId"] {
			ResponseError(w, "Invalid worker token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), workerKey, workerID)))
	})
}

func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

func IsOperator(ctx context.Context) bool {
	op, _ := ctx.Value(operatorKey).(bool)
	return op
}

func WorkerID(ctx context.Context) string {
	id, _ := ctx.Value(workerKey).(string)
	return id
}

// OwnerScope is the owner a request acts for: the caller itself, or for an
// operator the requested owner, where empty means every owner.
func OwnerScope(r *http.Request) string {
	if IsOperator(r.Context()) {
		return r.URL.Query().Get("owner")
	}
	return Subject(r.Context())
}
