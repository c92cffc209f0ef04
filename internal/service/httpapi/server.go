// Package httpapi отдаёт JSON API маркетплейса: объявления, корзину и заказы.
// Пользователь определяется заголовком X-User-ID, аутентификация выполняется снаружи.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/service/listing"
	"github.com/vladislavdragonenkov/marketplace/internal/service/purchase"
)

const (
	// HeaderUserID несёт идентификатор пользователя.
	HeaderUserID = "X-User-ID"
	// HeaderIdempotencyKey включает идемпотентное оформление заказа.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется, когда ответ взят из кэша идемпотентности.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
	maxBodyBytes          = 1 << 20
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "market_http_request_duration_seconds",
	Help:    "Duration of HTTP API requests grouped by route and status code.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "code"})

// Deps перечисляет сервисы, поверх которых работает API.
type Deps struct {
	Listings    *listing.Service
	Carts       *cart.Manager
	Purchases   *purchase.Coordinator
	Timeline    domain.TimelineRepository
	Idempotency domain.IdempotencyRepository
}

// Option настраивает Server.
type Option func(*Server)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer задаёт tracer для span'ов запросов.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock подменяет источник времени для сроков хранения idempotency-ключей.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIdempotencyTTL задаёт срок хранения ответа по idempotency-ключу.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.idemTTL = ttl
		}
	}
}

// Server маршрутизирует HTTP-запросы в сервисы.
type Server struct {
	listings  *listing.Service
	carts     *cart.Manager
	purchases *purchase.Coordinator
	timeline  domain.TimelineRepository
	idem      domain.IdempotencyRepository

	logger  *log.Entry
	tracer  trace.Tracer
	now     func() time.Time
	idemTTL time.Duration
	mux     *http.ServeMux
}

// NewServer собирает API и регистрирует маршруты.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		listings:  deps.Listings,
		carts:     deps.Carts,
		purchases: deps.Purchases,
		timeline:  deps.Timeline,
		idem:      deps.Idempotency,
		logger:    log.WithField("component", "http-api"),
		tracer:    otel.Tracer("github.com/vladislavdragonenkov/marketplace/internal/service/httpapi"),
		now:       func() time.Time { return time.Now().UTC() },
		idemTTL:   defaultIdempotencyTTL,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP реализует http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.handle("GET /v1/listings", s.browseListings)
	s.handle("POST /v1/listings", s.createListing)
	s.handle("GET /v1/listings/{id}", s.getListing)
	s.handle("PATCH /v1/listings/{id}", s.updateListing)
	s.handle("DELETE /v1/listings/{id}", s.deleteListing)
	s.handle("POST /v1/listings/{id}/offline", s.takeListingOffline)
	s.handle("POST /v1/listings/{id}/moderation", s.moderateListing)

	s.handle("GET /v1/cart", s.viewCart)
	s.handle("DELETE /v1/cart", s.clearCart)
	s.handle("POST /v1/cart/items/{listingID}", s.addCartItem)
	s.handle("DELETE /v1/cart/items/{listingID}", s.removeCartItem)

	s.handle("POST /v1/orders", s.checkout)
	s.handle("GET /v1/orders", s.listOrders)
	s.handle("GET /v1/orders/{id}", s.getOrder)
	s.handle("GET /v1/orders/{id}/timeline", s.orderTimeline)
	s.handle("POST /v1/orders/{id}/pay", s.payOrder)
	s.handle("POST /v1/orders/{id}/cancel", s.cancelOrder)
	s.handle("POST /v1/orders/{id}/receive", s.receiveOrder)
}

// handle регистрирует маршрут с трассировкой, метриками и защитой от паники.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	method, route, _ := strings.Cut(pattern, " ")
	spanName := pattern

	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(method),
				semconv.HTTPRoute(route),
			),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				s.logger.WithFields(log.Fields{"route": route, "panic": p}).Error("http handler panicked")
				if !rec.wrote {
					writeJSON(rec, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
				}
				rec.status = http.StatusInternalServerError
			}

			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
			requestDuration.WithLabelValues(method, route, strconv.Itoa(rec.status)).Observe(time.Since(started).Seconds())
		}()

		if r.Body != nil {
			r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		}
		h(rec, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

// userID читает идентификатор пользователя из заголовка.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderUserID))
}

// requireUser пишет 401, если пользователь не указан.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := userID(r)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: domain.ErrUserRequired.Error(), Code: "unauthenticated"})
		return "", false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("enduser.id", user))
	return user, true
}
