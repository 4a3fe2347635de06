package swap

import (
    "context"
    "errors"
    "log"
    "time"

    "unibus/internal/store"
)

// Sweeper expires overdue pending requests and winds down elapsed accepted
// swaps. It runs two passes per tick:
//
//  1. pending requests older than the accept window become expired;
//  2. accepted swaps whose period has elapsed are flagged pendingExpiry,
//     and, once the end grace has also elapsed, ended automatically.
//
// Every transition goes through the manager so the compare-and-swap checks
// apply and events are emitted; a request another replica already swept
// comes back ErrAlreadyActed and is skipped.
type Sweeper struct {
    Manager  *Manager
    Interval time.Duration
    Stop     chan struct{}
    OnSweep  func(kind string) // metrics hook, may be nil
}

func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
    if interval <= 0 { interval = time.Minute }
    return &Sweeper{Manager: m, Interval: interval, Stop: make(chan struct{})}
}

func (s *Sweeper) Start() {
    go func() {
        ticker := time.NewTicker(s.Interval)
        defer ticker.Stop()
        for {
            select {
            case <-s.Stop:
                return
            case <-ticker.C:
                s.ProcessOnce()
            }
        }
    }()
}

func (s *Sweeper) ProcessOnce() {
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()
    s.sweepPending(ctx)
    s.sweepAccepted(ctx)
}

func (s *Sweeper) sweepPending(ctx context.Context) {
    now := s.Manager.now()
    cutoff := now.Add(-s.Manager.Cfg.AcceptWindow)
    items, err := s.Manager.Store.ListPendingBefore(ctx, cutoff, 100)
    if err != nil {
        log.Printf("sweeper: list pending: %v", err)
        return
    }
    for _, r := range items {
        if _, err := s.Manager.Expire(ctx, r.ID); err != nil {
            if errors.Is(err, store.ErrAlreadyActed) { continue }
            log.Printf("sweeper: expire %s: %v", r.ID, err)
            continue
        }
        s.count("expired")
    }
}

func (s *Sweeper) sweepAccepted(ctx context.Context) {
    now := s.Manager.now()
    items, err := s.Manager.Store.ListElapsedAccepted(ctx, now, 100)
    if err != nil {
        log.Printf("sweeper: list elapsed: %v", err)
        return
    }
    system := Actor{DriverID: "system", Elevated: true}
    for _, r := range items {
        if !r.PendingExpiry {
            if _, err := s.Manager.FlagExpiry(ctx, r.ID); err != nil {
                if !errors.Is(err, store.ErrAlreadyActed) { log.Printf("sweeper: flag %s: %v", r.ID, err) }
                continue
            }
            s.count("flagged")
            continue
        }
        if now.Before(r.Period.End.Add(s.Manager.Cfg.EndGrace)) { continue }
        if _, err := s.Manager.End(ctx, system, r.ID, "auto-expired"); err != nil {
            if errors.Is(err, store.ErrAlreadyActed) { continue }
            // ErrConflict means assignments drifted out from under the swap;
            // leave it for an operator rather than forcing the revert.
            log.Printf("sweeper: auto-end %s: %v", r.ID, err)
            continue
        }
        s.count("ended")
    }
}

func (s *Sweeper) count(kind string) {
    if s.OnSweep != nil { s.OnSweep(kind) }
}
