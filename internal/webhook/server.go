package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/suspectuso/vip-gateway/internal/membership"
	"github.com/suspectuso/vip-gateway/internal/nowpayments"
	"github.com/suspectuso/vip-gateway/internal/storage"
)

const maxBodyBytes = 1 << 20

// Service is the lifecycle manager as seen by the HTTP layer
type Service interface {
	InitiatePurchase(ctx context.Context, req membership.PurchaseRequest) (*membership.Purchase, error)
	HandleCallback(ctx context.Context, ev membership.Event) (membership.Outcome, error)
	PaymentStatus(ctx context.Context, paymentID string) (*nowpayments.PaymentStatus, error)
	Currencies(ctx context.Context) ([]string, error)
	Members() ([]storage.MembershipRecord, error)
	Member(userID string) (*storage.MembershipRecord, error)
	PaymentHistory() ([]storage.LedgerEntry, error)
	PendingPayments() ([]storage.PendingPayment, error)
}

// Options tune the HTTP server
type Options struct {
	// IPNSecret enables x-nowpayments-sig verification on callbacks
	IPNSecret string

	// Metrics is mounted on /metrics when set
	Metrics http.Handler

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the gateway webhook and the purchase/read API
type Server struct {
	svc  Service
	opts Options
	log  *slog.Logger

	server *http.Server
}

// NewServer creates a new HTTP server
func NewServer(svc Service, opts Options, log *slog.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}

	return &Server{
		svc:  svc,
		opts: opts,
		log:  log,
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Post("/webhook/gateway", s.handleGatewayCallback)

	r.Route("/api", func(r chi.Router) {
		r.Post("/create_payment", s.handleCreatePayment)
		r.Get("/payment_status/{paymentID}", s.handlePaymentStatus)
		r.Get("/currencies", s.handleCurrencies)
		r.Get("/members", s.handleMembers)
		r.Get("/members/{userID}", s.handleMember)
		r.Get("/payment_history", s.handlePaymentHistory)
		r.Get("/pending_payments", s.handlePendingPayments)
	})

	return r
}

// Start starts the HTTP server and shuts it down when ctx is done
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	s.log.Info("starting http server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("shutdown http server", "error", err)
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
