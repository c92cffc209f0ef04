// Package health отдаёт состояние зависимостей маркетплейса для probe'ов оркестратора.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// Status — состояние одной зависимости или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity упорядочивает статусы: сводный статус равен худшему из проверок.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// gauge переводит статус в значение market_health_check_status.
func (s Status) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

var checkStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "market_health_check_status",
	Help: "Last health check result per dependency: 1 healthy, 0.5 degraded, 0 unhealthy",
}, []string{"check"})

// Check хранит результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler собирает проверки зависимостей и отдаёт их по HTTP.
type Handler struct {
	version string
	started time.Time
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewHandler(version string) *Handler {
	return &Handler{
		version:  version,
		started:  time.Now(),
		timeout:  defaultCheckTimeout,
		checkers: make(map[string]Checker),
	}
}

// RegisterChecker добавляет проверку; повторное имя заменяет прежнюю.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()
}

func (h *Handler) snapshot() map[string]Checker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.checkers)
}

// Run опрашивает все зависимости параллельно, каждая ограничена общим таймаутом.
func (h *Handler) Run(ctx context.Context) Response {
	checkers := h.snapshot()
	names := slices.Sorted(maps.Keys(checkers))

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = checkers[name].Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	response := Response{
		Status:        StatusHealthy,
		Timestamp:     time.Now().UTC(),
		Checks:        make(map[string]Check, len(names)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	for i, name := range names {
		result := results[i]
		response.Checks[name] = result
		checkStatus.WithLabelValues(name).Set(result.Status.gauge())
		if result.Status.severity() > response.Status.severity() {
			response.Status = result.Status
		}
	}
	return response
}

// ServeHTTP отдаёт подробный отчёт; unhealthy отвечает 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(response.Status))
	_ = json.NewEncoder(w).Encode(response)
}

// ReadinessHandler отвечает 503, пока хотя бы одна проверка unhealthy. Degraded не мешает готовности.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	code := httpStatus(h.Run(r.Context()).Status)
	body := "ready"
	if code != http.StatusOK {
		body = "not ready"
	}
	writeText(w, code, body)
}

// LivenessHandler отвечает 200, пока процесс обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// SimpleChecker превращает функцию с ошибкой в проверку.
type SimpleChecker struct {
	name    string
	probe   func(ctx context.Context) error
	onError Status
}

// NewSimpleChecker проверяет обязательную зависимость: ошибка делает сервис unhealthy.
func NewSimpleChecker(name string, probe func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, probe: probe, onError: StatusUnhealthy}
}

// NewOptionalChecker проверяет зависимость, без которой сервис работает хуже, но работает.
func NewOptionalChecker(name string, probe func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, probe: probe, onError: StatusDegraded}
}

func (c *SimpleChecker) Check(ctx context.Context) Check {
	started := time.Now()
	err := c.probe(ctx)

	result := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(started).Milliseconds()}
	if err != nil {
		result.Status = c.onError
		result.Message = err.Error()
	}
	return result
}

// OutboxBacklogChecker помечает сервис degraded, когда события заказов перестают уходить.
// Нулевой порог отключает соответствующее условие.
type OutboxBacklogChecker struct {
	repo       domain.OutboxRepository
	maxPending int
	maxAge     time.Duration
	now        func() time.Time
}

func NewOutboxBacklogChecker(repo domain.OutboxRepository, maxPending int, maxAge time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{repo: repo, maxPending: maxPending, maxAge: maxAge, now: time.Now}
}

func (c *OutboxBacklogChecker) Check(context.Context) Check {
	started := time.Now()
	result := Check{Name: "outbox", Status: StatusHealthy}
	if problem := c.problem(); problem != "" {
		result.Status = StatusDegraded
		result.Message = problem
	}
	result.DurationMs = time.Since(started).Milliseconds()
	return result
}

// problem описывает превышенный порог или возвращает пустую строку.
func (c *OutboxBacklogChecker) problem() string {
	stats, err := c.repo.Stats()
	if err != nil {
		return err.Error()
	}
	if c.maxPending > 0 && stats.PendingCount > c.maxPending {
		return fmt.Sprintf("%d pending events (%d retrying)", stats.PendingCount, stats.RetryingCount)
	}
	if c.maxAge > 0 && !stats.OldestPendingAt.IsZero() {
		if age := c.now().Sub(stats.OldestPendingAt); age > c.maxAge {
			return fmt.Sprintf("oldest pending event is %s old", age.Round(time.Second))
		}
	}
	return ""
}
