package api

import (
    "fmt"
    "log"
    "net/http"
    "os"
    "strconv"
    "strings"
    "sync"
    "time"

    "golang.org/x/time/rate"

    "unibus/internal/metrics"
)

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
    if f, ok := r.ResponseWriter.(http.Flusher); ok { f.Flush() }
}

// WithObservability logs each request and records the Prometheus counters.
// Paths are normalized to their route shape so ids do not explode label
// cardinality.
func WithObservability(next http.Handler) http.Handler {
    metrics.RegisterDefault()
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w, status: 200}
        next.ServeHTTP(rec, r)
        dur := time.Since(start)
        path := normalizePath(r.URL.Path)
        status := fmt.Sprint(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(dur.Seconds())
        log.Printf("%s %s %s %d %v", r.RemoteAddr, r.Method, r.URL.Path, rec.status, dur)
    })
}

func normalizePath(p string) string {
    parts := strings.Split(p, "/")
    for i, seg := range parts {
        // uuid-ish or obviously id-like segments collapse to :id
        if len(seg) >= 16 && strings.Count(seg, "-") >= 2 { parts[i] = ":id" }
    }
    return strings.Join(parts, "/")
}

// WithRateLimit applies a per-client token bucket keyed by driver id (or
// remote addr for staff). RATE_RPS / RATE_BURST configure it; 0 disables.
func WithRateLimit(next http.Handler) http.Handler {
    rps := envFloat("RATE_RPS", 20)
    burst := envInt("RATE_BURST", 40)
    if rps <= 0 { return next }
    var mu sync.Mutex
    limiters := map[string]*rate.Limiter{}
    get := func(key string) *rate.Limiter {
        mu.Lock(); defer mu.Unlock()
        l, ok := limiters[key]
        if !ok {
            l = rate.NewLimiter(rate.Limit(rps), burst)
            limiters[key] = l
        }
        return l
    }
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        key := r.Header.Get("X-Driver-Id")
        if key == "" { key = r.RemoteAddr }
        if !get(key).Allow() {
            writeProblem(w, http.StatusTooManyRequests, "Rate Limited", "slow down", r.URL.Path)
            return
        }
        next.ServeHTTP(w, r)
    })
}

func envFloat(key string, def float64) float64 {
    if v := os.Getenv(key); v != "" {
        if f, err := strconv.ParseFloat(v, 64); err == nil { return f }
    }
    return def
}

func envInt(key string, def int) int {
    if v := os.Getenv(key); v != "" {
        if n, err := strconv.Atoi(v); err == nil { return n }
    }
    return def
}
