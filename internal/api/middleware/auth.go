package middleware

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/zkwaredao/gradeflow/internal/api/response"
)

// Auth validates the ops bearer key against a bcrypt hash from config.
// There is one caller class (the collaborating grading services); per-user
// identity travels in request bodies, not in the credential.
type Auth struct {
	keyHash string
}

// NewAuth creates the auth middleware. An empty hash disables
// authentication; config validation forbids that in production.
func NewAuth(keyHash string) *Auth {
	return &Auth{keyHash: keyHash}
}

// Authenticate checks the Bearer token and tags the request with a caller
// identity used for rate limiting.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.keyHash == "" {
			r = r.WithContext(setCaller(r.Context(), "anonymous"))
			next.ServeHTTP(w, r)
			return
		}

		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(a.keyHash), []byte(rawKey)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		r = r.WithContext(setCaller(r.Context(), "ops"))
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
