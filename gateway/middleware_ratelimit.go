package gateway

import (
	"fmt"
	"net/http"
	"strconv"
)

const retryAfterSeconds = 60

// withConcurrentRequestLimiter limits concurrent requests using a semaphore.
// Requests arriving at capacity get 429 Too Many Requests with a fixed
// Retry-After. A limit of zero or less disables limiting.
func withConcurrentRequestLimiter(handler http.Handler, limit int, metrics *middlewareMetrics) http.Handler {
	if limit <= 0 {
		return handler
	}

	semaphore := make(chan struct{}, limit)
	for i := 0; i < limit; i++ {
		semaphore <- struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-semaphore:
			metrics.incConcurrentRequests()
			defer func() {
				semaphore <- struct{}{}
				metrics.decConcurrentRequests()
			}()
			handler.ServeHTTP(w, r)

		default:
			metrics.recordResponse(http.StatusTooManyRequests)

			// Prevent caching of rate limit responses
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))

			message := fmt.Sprintf("Too many requests. Please retry after %d seconds.", retryAfterSeconds)
			http.Error(w, message, http.StatusTooManyRequests)
		}
	})
}
