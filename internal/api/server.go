package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/voxbridge/voxbridge/internal/api/middleware"
	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/database"
)

// CallPlacer starts an outbound call to a destination number. Implemented by
// the calls package; stubbed in tests.
type CallPlacer interface {
	PlaceCall(to, callbackURL string) (string, error)
}

// StreamTokenSource mints and validates the tokens embedded in media-stream URLs.
type StreamTokenSource interface {
	Issue() (string, error)
	Validate(token string) error
}

// TwiMLBuilder produces the call-control markup returned to the telephony
// provider when an outbound call is answered.
type TwiMLBuilder func(publicURL, token string) (string, error)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	cfg      *config.Config
	bridge   *bridge.Bridge
	registry *bridge.Registry
	records  database.CallRecordRepository
	dialer   CallPlacer // nil when provider credentials are not configured
	tokens   StreamTokenSource
	twiml    TwiMLBuilder
	limiter  *middleware.IPRateLimiter
	// streamLimiter throttles /stream separately and harder: a legitimate
	// provider opens one connection per call, so bursts there are token
	// guessing, not traffic.
	streamLimiter *middleware.IPRateLimiter
	upgrader      websocket.Upgrader
	logger        *slog.Logger

	// appCtx outlives individual requests; cancelling it tears down every
	// active bridge session during shutdown.
	appCtx context.Context
}

// NewServer creates the HTTP handler with all routes mounted. dialer may be
// nil, which disables the call-trigger endpoint with a 503.
func NewServer(
	appCtx context.Context,
	cfg *config.Config,
	br *bridge.Bridge,
	registry *bridge.Registry,
	records database.CallRecordRepository,
	dialer CallPlacer,
	tokens StreamTokenSource,
	twiml TwiMLBuilder,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		cfg:           cfg,
		bridge:        br,
		registry:      registry,
		records:       records,
		dialer:        dialer,
		tokens:        tokens,
		twiml:         twiml,
		limiter:       middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		streamLimiter: middleware.NewIPRateLimiter(middleware.StreamRateLimitConfig()),
		logger:        logger.With("subsystem", "api"),
		appCtx:        appCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The telephony provider connects server-to-server without an
			// Origin header; browser origin checks do not apply here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases server-owned background resources.
func (s *Server) Close() {
	s.limiter.Stop()
	s.streamLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	// API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/sessions", s.handleSessions)

		r.Route("/calls", func(r chi.Router) {
			r.With(middleware.RateLimit(s.limiter)).Post("/", s.handleTriggerCall)
			r.Get("/records", s.handleListRecords)
			r.Get("/records/{id}", s.handleGetRecord)
		})
	})

	// Telephony provider endpoints. The provider POSTs for TwiML; GET is
	// accepted too since the callback method is configurable account-side.
	r.Post("/twiml", s.handleTwiML)
	r.Get("/twiml", s.handleTwiML)

	r.With(middleware.RateLimit(s.streamLimiter), middleware.StreamToken(s.tokens)).
		Get("/stream", s.handleStream)

	slog.Info("api routes mounted")
}
