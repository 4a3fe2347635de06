package api

import (
    "context"
    "os"
    "strconv"
    "strings"
    "time"

    "unibus/internal/auth"
    "unibus/internal/store"
    "unibus/internal/swap"
    "unibus/internal/webhooks"
)

type Server struct {
    Store  store.Store
    Mgr    *swap.Manager
    Pub    *webhooks.Publisher
    Auth   *auth.Verifier
    Broker EventBroker
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
    dsn := os.Getenv("DATABASE_URL")
    var s store.Store
    if strings.TrimSpace(dsn) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(dsn)
        if err != nil {
            return nil, err
        }
        // Run migrations (dev helper)
        if os.Getenv("DB_MIGRATE") != "false" {
            _ = sp.MigrateDir(context.Background(), "db/migrations")
        }
        s = sp
    }
    // Broker selection
    var broker EventBroker
    if os.Getenv("REDIS_URL") != "" {
        if rb, err := NewRedisBroker(); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }
    pub := webhooks.NewPublisher(s)
    cfg := swap.Config{
        AcceptWindow: envDuration("SWAP_ACCEPT_WINDOW", 30*time.Minute),
        EndGrace:     envDuration("SWAP_END_GRACE", 15*time.Minute),
    }
    srv := &Server{Store: s, Pub: pub, Auth: auth.NewVerifierFromEnv(), Broker: broker}
    srv.Mgr = swap.NewManager(s, &transitionEmitter{Broker: broker, Pub: pub}, cfg)
    return srv, nil
}

func envDuration(key string, def time.Duration) time.Duration {
    v := os.Getenv(key)
    if v == "" { return def }
    if d, err := time.ParseDuration(v); err == nil && d > 0 { return d }
    if n, err := strconv.Atoi(v); err == nil && n > 0 { return time.Duration(n) * time.Second }
    return def
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store)
}

// NewSweeper creates the expiry sweeper bound to the server's manager.
func (s *Server) NewSweeper() *swap.Sweeper {
    sw := swap.NewSweeper(s.Mgr, envDuration("SWAP_SWEEP_INTERVAL", time.Minute))
    sw.OnSweep = func(kind string) { sweepCounter(kind) }
    return sw
}
