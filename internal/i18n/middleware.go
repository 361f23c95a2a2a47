package i18n

import (
	"net/http"
)

// Middleware picks a printer from Accept-Language and stores it in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := MatchLanguage(r.Header.Get("Accept-Language"))
		ctx := WithPrinter(r.Context(), NewPrinter(tag))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
