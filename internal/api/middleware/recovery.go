package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/zkwaredao/gradeflow/internal/api/response"
)

// Recovery converts handler panics into 500 responses. http.ErrAbortHandler
// is re-raised so aborted streams keep their net/http semantics.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				slog.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
