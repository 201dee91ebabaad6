package i18n

import "net/http"

// LangCookie remembers a language chosen with the ?lang= query parameter.
const LangCookie = "lang"

// Middleware injects a localizer into every request context. The language
// comes from ?lang=, the lang cookie or Accept-Language, falling back to
// the default passed to Init.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var langs []string
		if q := r.URL.Query().Get("lang"); q != "" {
			langs = append(langs, q)
			http.SetCookie(w, &http.Cookie{
				Name:     LangCookie,
				Value:    q,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		} else if c, err := r.Cookie(LangCookie); err == nil && c.Value != "" {
			langs = append(langs, c.Value)
		}
		if al := r.Header.Get("Accept-Language"); al != "" {
			langs = append(langs, al)
		}
		ctx := WithLocalizer(r.Context(), NewLocalizer(langs...))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
