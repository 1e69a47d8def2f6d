package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

type ContextKey string

// ContextKeyClientID holds the fingerprint of the key that authenticated
// the request.
const ContextKeyClientID ContextKey = "client_id"

// APIKeyAuth accepts keys matching one of the configured bcrypt hashes.
// A key that matched once is remembered by its SHA-256 digest, so bcrypt
// runs once per key rather than once per request.
type APIKeyAuth struct {
	header string
	hashes [][]byte

	mu    sync.RWMutex
	known map[[sha256.Size]byte]struct{}
}

// NewAPIKeyAuth rejects entries that are not bcrypt hashes. Blank entries
// are skipped, so an empty list leaves the API open.
func NewAPIKeyAuth(header string, hashes []string) (*APIKeyAuth, error) {
	if header == "" {
		header = "X-API-Key"
	}
	a := &APIKeyAuth{header: header, known: make(map[[sha256.Size]byte]struct{})}
	for i, h := range hashes {
		if h = strings.TrimSpace(h); h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash #%d: %w", i+1, err)
		}
		a.hashes = append(a.hashes, []byte(h))
	}
	return a, nil
}

// HashAPIKey produces the value to put in API_KEY_HASHES.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(h), err
}

func (a *APIKeyAuth) Enabled() bool { return len(a.hashes) > 0 }

// Authenticate reads the key from the configured header or a Bearer token
// and returns its fingerprint. Failures wrap shared.ErrUnauthorized.
func (a *APIKeyAuth) Authenticate(r *http.Request) (string, error) {
	key := r.Header.Get(a.header)
	if key == "" {
		key, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	switch {
	case key == "":
		return "", shared.NewDomainError("http", "Authenticate", shared.ErrUnauthorized, "API key is required")
	case !a.IsValid(key):
		return "", shared.NewDomainError("http", "Authenticate", shared.ErrUnauthorized, "invalid API key")
	}
	return Fingerprint(key), nil
}

func (a *APIKeyAuth) IsValid(key string) bool {
	digest := sha256.Sum256([]byte(key))

	a.mu.RLock()
	_, ok := a.known[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}

	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			a.mu.Lock()
			a.known[digest] = struct{}{}
			a.mu.Unlock()
			return true
		}
	}
	return false
}

// Middleware passes authentication failures to onError; with a nil onError
// it answers a bare 401.
func (a *APIKeyAuth) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeyClientID, id)))
		})
	}
}

// Fingerprint identifies a key in logs without revealing it.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

// ClientID is empty when the request was not authenticated.
func ClientID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyClientID).(string)
	return id
}
