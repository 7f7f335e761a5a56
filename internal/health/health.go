package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check представляет проверку здоровья компонента
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response представляет ответ health check
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker интерфейс для проверки здоровья компонента
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler обрабатывает health check запросы
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startTime time.Time
	timeout   time.Duration
}

// NewHandler создаёт новый health handler
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startTime: time.Now(),
		timeout:   defaultCheckTimeout,
	}
}

// RegisterChecker регистрирует проверку компонента
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// runChecks выполняет все проверки параллельно с общим таймаутом.
func (h *Handler) runChecks(ctx context.Context) (map[string]Check, Status) {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		checks = make(map[string]Check, len(checkers))
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for name, checker := range checkers {
		group.Go(func() error {
			check := checker.Check(groupCtx)
			mu.Lock()
			checks[name] = check
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	overallStatus := StatusHealthy
	for _, check := range checks {
		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}
	return checks, overallStatus
}

// ServeHTTP обрабатывает HTTP запрос
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks, overallStatus := h.runChecks(r.Context())

	response := Response{
		Status:        overallStatus,
		Timestamp:     time.Now(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler простой liveness probe (всегда возвращает 200)
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler проверяет готовность к обработке запросов.
// Degraded компоненты готовность не снимают.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	_, overallStatus := h.runChecks(r.Context())
	if overallStatus == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// SimpleChecker простая проверка с функцией
type SimpleChecker struct {
	name     string
	checkFn  func(ctx context.Context) error
	failWith Status
}

// NewSimpleChecker создаёт проверку критичного компонента: ошибка даёт unhealthy.
func NewSimpleChecker(name string, checkFn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{
		name:     name,
		checkFn:  checkFn,
		failWith: StatusUnhealthy,
	}
}

// NewOptionalChecker создаёт проверку некритичного компонента: ошибка даёт degraded.
func NewOptionalChecker(name string, checkFn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{
		name:     name,
		checkFn:  checkFn,
		failWith: StatusDegraded,
	}
}

// Check выполняет проверку
func (c *SimpleChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.checkFn(ctx)
	duration := time.Since(start)

	if err != nil {
		return Check{
			Name:       c.name,
			Status:     c.failWith,
			Message:    err.Error(),
			DurationMs: duration.Milliseconds(),
		}
	}

	return Check{
		Name:       c.name,
		Status:     StatusHealthy,
		DurationMs: duration.Milliseconds(),
	}
}

// BacklogStats - источник статистики half-сообщений.
type BacklogStats interface {
	Stats(ctx context.Context) (domain.HalfMessageStats, error)
}

// BacklogChecker сообщает degraded, если relay отстаёт дольше maxAge.
type BacklogChecker struct {
	stats  BacklogStats
	maxAge time.Duration
	now    func() time.Time
}

// NewBacklogChecker создаёт проверку отставания relay.
func NewBacklogChecker(stats BacklogStats, maxAge time.Duration) *BacklogChecker {
	return &BacklogChecker{stats: stats, maxAge: maxAge, now: time.Now}
}

func (c *BacklogChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{Name: "relay-backlog", Status: StatusHealthy}

	stats, err := c.stats.Stats(ctx)
	switch {
	case err != nil:
		check.Status = StatusDegraded
		check.Message = err.Error()
	case stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() && c.now().Sub(stats.OldestPendingAt) > c.maxAge:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d pending messages, oldest since %s", stats.PendingCount, stats.OldestPendingAt.UTC().Format(time.RFC3339))
	}
	check.DurationMs = time.Since(start).Milliseconds()
	return check
}
