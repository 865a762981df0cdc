package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kinamba/erm-core/internal/audit"
)

type AuditMiddleware struct {
	service *audit.Service
}

func NewAuditMiddleware(s *audit.Service) *AuditMiddleware {
	return &AuditMiddleware{service: s}
}

// LogRequest writes a best-effort trail of mutating requests. Decision-level
// records are written synchronously by the services themselves; this is the
// HTTP breadcrumb on top.
func (m *AuditMiddleware) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return
		}

		actor := "anonymous"
		if ac, ok := GetAuthContext(r.Context()); ok {
			actor = ac.StaffID
		}

		rec := audit.Record{
			Action:      fmt.Sprintf("http.%s", strings.ToLower(r.Method)),
			Actor:       actor,
			SubjectType: "http_route",
			SubjectID:   truncate(r.URL.Path, 100),
			Origin:      truncate(extractIP(r), 50),
			Detail: audit.Detail(map[string]any{
				"status":     ww.status,
				"latency_ms": time.Since(start).Milliseconds(),
				"request_id": w.Header().Get("X-Request-ID"),
			}),
		}
		m.service.AppendAsync(rec)
	})
}

func extractIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
