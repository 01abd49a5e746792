package i18n

import "net/http"

// Middleware localizes every request: the Accept-Language header wins
// when present, otherwise the server's configured language applies.
func Middleware(lang string) func(http.Handler) http.Handler {
	serverLoc := NewLocalizer(lang)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := serverLoc
			if accept := r.Header.Get("Accept-Language"); accept != "" {
				loc = NewLocalizer(accept)
			}
			ctx := WithLocalizer(r.Context(), loc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
