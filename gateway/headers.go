package gateway

import "net/http"

// withHeaders sets the configured static headers on every response,
// including the ones written by other middleware.
func withHeaders(handler http.Handler, headers map[string][]string) http.Handler {
	if len(headers) == 0 {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header()[http.CanonicalHeaderKey(k)] = v
		}
		handler.ServeHTTP(w, r)
	})
}
