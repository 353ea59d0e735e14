package webhook_api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/BearBump/ParcelSync/internal/integrations/sendcloud"
	"github.com/BearBump/ParcelSync/internal/logger"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	SendcloudPath = "/webhooks/sendcloud"

	defaultMaxBodyBytes = 1 << 20
)

type Reconciler interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) reconciler.Result
}

type WebhookAPI struct {
	rec          Reconciler
	log          *zap.Logger
	maxBodyBytes int64
}

func New(rec Reconciler, log *zap.Logger) *WebhookAPI {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookAPI{rec: rec, log: log, maxBodyBytes: defaultMaxBodyBytes}
}

func (a *WebhookAPI) Routes(r chi.Router) {
	r.With(a.requestLogger, a.recoverer).Post(SendcloudPath, a.HandleSendcloud)
}

// HandleSendcloud always answers 200: Sendcloud retries any other status.
func (a *WebhookAPI) HandleSendcloud(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOr(r.Context(), a.log)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
	if err != nil {
		log.Warn("read sendcloud webhook body", zap.Error(err))
		writeResult(w, log, reconciler.Result{Success: false, Message: "Failed to read request body"})
		return
	}

	res := a.rec.HandleWebhook(r.Context(), body, r.Header.Get(sendcloud.SignatureHeader))
	writeResult(w, log, res)
}

func (a *WebhookAPI) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		l := a.log.With(
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), l)))
		l.Debug("sendcloud webhook handled", zap.Duration("elapsed", time.Since(started)))
	})
}

// recoverer keeps the 200 contract when the handler panics.
func (a *WebhookAPI) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			log := logger.FromContextOr(r.Context(), a.log)
			log.Error("sendcloud webhook panic", zap.Any("panic", rv), zap.Stack("stack"))
			writeResult(w, log, reconciler.Result{Success: false, Message: "Internal error"})
		}()
		next.ServeHTTP(w, r)
	})
}

func writeResult(w http.ResponseWriter, log *zap.Logger, res reconciler.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Warn("write webhook response", zap.Error(err))
	}
}
