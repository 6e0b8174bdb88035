package controlapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", routePath(c),
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size())
	}
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aurora",
				Subsystem: "control_api",
				Name:      "requests_total",
				Help:      "Total control API requests",
			},
			[]string{"method", "path", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aurora",
				Subsystem: "control_api",
				Name:      "request_duration_seconds",
				Help:      "Control API request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *httpMetrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := routePath(c)
		m.requests.WithLabelValues(c.Request.Method, path, status).Inc()
		m.duration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

// routePath is the matched route pattern, so /verify/:hash counts as one path
func routePath(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}

// attemptLimiter throttles approval decisions per client address. Idle
// entries are dropped once their bucket has refilled.
type attemptLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimiter
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAttemptLimiter(perMinute, burst int) *attemptLimiter {
	if burst < 1 {
		burst = 1
	}
	return &attemptLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

func (l *attemptLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	refill := time.Duration(float64(l.burst) / float64(l.limit) * float64(time.Second))
	for addr, c := range l.clients {
		if now.Sub(c.lastSeen) > refill {
			delete(l.clients, addr)
		}
	}

	c, ok := l.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *attemptLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(int(1/float64(l.limit))+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "too many approval attempts",
				Kind:  "rate_limited",
			})
			return
		}
		c.Next()
	}
}
