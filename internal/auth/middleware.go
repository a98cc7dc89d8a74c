package auth

import (
	"errors"
	"net/http"
	"time"

	loggerpkg "AgentMarket-Chain/pkg/logger"
)

// MiddlewareConfig 配置认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 指定审计日志使用的事件名称。
	AuditEvent string
}

// Middleware 返回处理认证与授权的 HTTP 中间件。认证未启用时直接放行。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				loggerpkg.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}

			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					loggerpkg.Audit().Warn("permission_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"error", err.Error(),
						"user", subject.Username,
					)
					return
				}
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(aw, r.WithContext(ctx))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			loggerpkg.Audit().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Username,
			)
		})
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
