package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"storeorders/internal/cache"
)

const IdempotencyHeader = "Idempotency-Key"

type IdempotencyStore interface {
	Begin(ctx context.Context, key string) (*cache.Response, error)
	Complete(ctx context.Context, key string, resp cache.Response) error
	Release(ctx context.Context, key string) error
}

type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the stored response when a client repeats a request
// with the same Idempotency-Key. Keys are scoped per user and route. Requests
// without the header pass straight through; 5xx responses are not stored so
// the client may retry.
func Idempotency(store IdempotencyStore, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
		if raw == "" {
			c.Next()
			return
		}
		if len(raw) > 255 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "idempotency_key_too_long"})
			return
		}

		scope := "anonymous"
		if user, ok := CurrentUser(c); ok {
			scope = user.ID
		}
		key := scope + ":" + c.Request.Method + ":" + c.FullPath() + ":" + raw
		ctx := c.Request.Context()

		stored, err := store.Begin(ctx, key)
		switch {
		case errors.Is(err, cache.ErrRequestInProgress):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"success": false, "error": "request_in_progress"})
			return
		case err != nil:
			// serve without dedupe
			log.Warn().Err(err).Msg("idempotency store unavailable")
			c.Next()
			return
		case stored != nil:
			c.Header("Idempotent-Replayed", "true")
			c.Data(stored.Status, stored.ContentType, stored.Body)
			c.Abort()
			return
		}

		bg := context.WithoutCancel(ctx)
		defer func() {
			if p := recover(); p != nil {
				if err := store.Release(bg, key); err != nil {
					log.Warn().Err(err).Msg("idempotency release failed")
				}
				panic(p)
			}
		}()

		w := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			if err := store.Release(bg, key); err != nil {
				log.Warn().Err(err).Msg("idempotency release failed")
			}
			return
		}
		resp := cache.Response{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		}
		if err := store.Complete(bg, key, resp); err != nil {
			log.Warn().Err(err).Msg("idempotency save failed")
		}
	}
}
