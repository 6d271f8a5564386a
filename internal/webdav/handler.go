package webdav

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/0xdsaini/telegramdrive/internal/gateway"
	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
)

// NewHandler creates a WebDAV HTTP handler mounted at prefix. A nil auth
// serves without authentication.
func NewHandler(drive Drive, auth *gateway.Auth, prefix string) http.Handler {
	var h http.Handler = &webdav.Handler{
		FileSystem: NewFS(drive),
		LockSystem: webdav.NewMemLS(),
		Prefix:     prefix,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav request failed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
			}
		},
	}
	if auth != nil {
		h = AuthMiddleware(auth)(h)
	}
	return logging.Middleware(metrics.Middleware(h))
}

// AuthMiddleware accepts a gateway token either as a bearer token or as the
// password of HTTP Basic auth, for clients that only speak Basic.
func AuthMiddleware(a *gateway.Auth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
				a.Middleware(next).ServeHTTP(w, r)
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="tgdrive"`)
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			claims, err := a.Verify(password)
			if err != nil {
				logging.Warn("webdav auth failed",
					zap.String("username", username),
					zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Basic realm="tgdrive"`)
				http.Error(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(gateway.WithClaims(r.Context(), claims)))
		})
	}
}
