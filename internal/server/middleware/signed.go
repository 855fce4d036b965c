package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/crypto"
)

const maxSignedBody = 1 << 20

// Signed returns middleware that verifies the HMAC signature headers of a
// request from a trusted caller such as a resolution oracle. The body is
// buffered and restored for the next handler.
func Signed(auth *crypto.HMACAuth, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable body", "InvalidAmount")
				return
			}
			r.Body.Close()

			err = auth.Verify(r.Method, r.URL.Path, string(body),
				r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature), time.Now())
			if err != nil {
				logger.WarnContext(r.Context(), "middleware: signature rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeError(w, http.StatusUnauthorized, "invalid request signature", "AuthRejected")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
