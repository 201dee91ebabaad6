package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/examrag/internal/i18n"
	"github.com/pavelanni/examrag/internal/model"
)

const (
	sessionCookieName = "session"
	csrfCookieName    = "csrf_token"
	csrfHeaderName    = "X-CSRF-Token"
)

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (h *Handler) cookiePath() string {
	return h.path("/")
}

// BasePathMiddleware stores the configured base path in the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUpload)
		next.ServeHTTP(w, r)
	})
}

// sessionMiddleware attaches the study session named by the session cookie,
// starting a new one when the cookie is missing or stale.
func (h *Handler) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
			_, err := h.sessions.GetSession(r.Context(), cookie.Value)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(model.ContextWithSessionID(r.Context(), cookie.Value)))
				return
			}
			if model.KindOf(err) != model.KindNotFound {
				writeError(w, r, err)
				return
			}
		}

		sess, err := h.sessions.CreateSession(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		slog.Debug("started study session", "session", sess.ID)
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    sess.ID,
			Path:     h.cookiePath(),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   h.config.SecureCookies,
		})
		next.ServeHTTP(w, r.WithContext(model.ContextWithSessionID(r.Context(), sess.ID)))
	})
}

// session loads the request's study session. On failure it writes the
// error response and returns false.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	id := model.SessionIDFromContext(r.Context())
	if id == "" {
		writeError(w, r, model.Errorf(model.KindInvalidArgument, "no study session"))
		return nil, false
	}
	sess, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) setCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     h.cookiePath(),
		HttpOnly: false,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// csrfMiddleware implements double-submit tokens. Safe requests get a
// token cookie; other requests must echo it in the X-CSRF-Token header or
// the csrf_token form field.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, cookieErr := r.Cookie(csrfCookieName)

		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			token := ""
			if cookieErr == nil && cookie.Value != "" {
				token = cookie.Value
			} else {
				var err error
				token, err = generateCSRFToken()
				if err != nil {
					slog.Error("failed to generate CSRF token", "error", err)
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
				h.setCSRFCookie(w, token)
			}
			ctx := model.ContextWithCSRFToken(r.Context(), token)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if cookieErr != nil || cookie.Value == "" {
			slog.Warn("CSRF cookie missing", "path", r.URL.Path)
			h.csrfFailure(w, r, "csrf token missing")
			return
		}

		token := r.Header.Get(csrfHeaderName)
		if token == "" {
			token = r.FormValue("csrf_token")
		}
		if token == "" {
			slog.Warn("CSRF request token missing", "path", r.URL.Path)
			h.csrfFailure(w, r, "csrf token missing")
			return
		}

		if len(token) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
			slog.Warn("CSRF token mismatch", "path", r.URL.Path)
			h.csrfFailure(w, r, "invalid csrf token")
			return
		}

		ctx := model.ContextWithCSRFToken(r.Context(), cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) csrfFailure(w http.ResponseWriter, r *http.Request, detail string) {
	writeJSON(w, http.StatusForbidden, map[string]string{
		"status": appI18n.Td(r.Context(), "ErrorInvalidArgument", map[string]any{"Detail": detail}),
		"kind":   "csrf",
	})
}
