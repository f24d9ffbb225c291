// Package http provides the HTTP transport layer for poplog.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /topics
//	GET    /topics
//	DELETE /topics/{topic}
//	GET    /topics/{topic}/stats
//	POST   /topics/{topic}/messages
//	POST   /topics/{topic}/queues/{queue}/pop
//	POST   /receipts/{receipt}/ack
//	POST   /receipts/{receipt}/invisible
//	GET    /topics/{topic}/dlq
//	POST   /topics/{topic}/dlq/replay
//	POST   /topics/{topic}/subscriptions
//	GET    /topics/{topic}/subscriptions
//	GET    /subscriptions/{id}
//	DELETE /subscriptions/{id}
//	GET    /topics/{topic}/queues/{queue}/ws
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sneh-joshi/poplog/internal/broker"
	"github.com/sneh-joshi/poplog/internal/config"
	"github.com/sneh-joshi/poplog/internal/consumer"
	"github.com/sneh-joshi/poplog/internal/metrics"
	transportws "github.com/sneh-joshi/poplog/internal/transport/websocket"
)

// bodyOverhead leaves room for JSON framing and metadata around a
// base64-encoded message body.
const bodyOverhead = 64 << 10

// Server wraps the stdlib HTTP server with poplog route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Broker and the webhook subscription manager.
// m may be nil. The caller is responsible for calling ListenAndServe /
// Shutdown and for closing cm.
func New(b *broker.Broker, cm *consumer.Manager, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	h := &Handler{broker: b, consumer: cm, started: time.Now()}
	ws := &transportws.Handler{Broker: b, Logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Topic management
	mux.HandleFunc("POST /topics", h.createTopic)
	mux.HandleFunc("GET /topics", h.listTopics)
	mux.HandleFunc("DELETE /topics/{topic}", h.deleteTopic)
	mux.HandleFunc("GET /topics/{topic}/stats", h.topicStats)

	// Messages
	mux.HandleFunc("POST /topics/{topic}/messages", h.publishMessage)
	mux.HandleFunc("POST /topics/{topic}/queues/{queue}/pop", h.popMessages)
	mux.HandleFunc("POST /receipts/{receipt}/ack", h.ackMessage)
	mux.HandleFunc("POST /receipts/{receipt}/invisible", h.changeInvisibleDuration)

	// DLQ
	mux.HandleFunc("GET /topics/{topic}/dlq", h.peekDLQ)
	mux.HandleFunc("POST /topics/{topic}/dlq/replay", h.replayDLQ)

	// Webhook subscriptions
	mux.HandleFunc("POST /topics/{topic}/subscriptions", h.createSubscription)
	mux.HandleFunc("GET /topics/{topic}/subscriptions", h.listSubscriptions)
	mux.HandleFunc("GET /subscriptions/{id}", h.getSubscription)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	// WebSocket push
	mux.Handle("GET /topics/{topic}/queues/{queue}/ws", ws)

	// base64 inflates a body by 4/3.
	maxBody := int64(cfg.Storage.MaxMessageSizeKB)<<10*4/3 + bodyOverhead

	handler := chain(mux,
		MaxBodyMiddleware(maxBody),
		LoggingMiddleware(logger, m),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
	)

	// Long polls may hold a request for up to the configured fetch time.
	writeTimeout := cfg.Store.MaxFetchTime + 30*time.Second

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: writeTimeout,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
