package middleware

import (
	"net/http"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// Recovery turns a handler panic into a 500 and a logged stack trace.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			log.WithFields(log.Fields{
				"component":  "http",
				"request_id": GetRequestID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"panic":      rec,
				"stack":      string(debug.Stack()),
			}).Error("[HTTP] panic in handler")

			RespondError(w, http.StatusInternalServerError,
				"An internal error occurred. Please try again later.", ErrTypeServer, "")
		}()

		next.ServeHTTP(w, r)
	})
}
