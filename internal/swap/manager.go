// Package swap owns the duty swap request lifecycle: creation, the
// accept/reject/cancel decisions, manual and automatic termination. All
// state changes go through the store's compare-and-swap transitions; the
// manager validates the immutable facts of a request (parties, period,
// who may act) and leaves races over mutable state to the store.
package swap

import (
    "context"
    "errors"
    "fmt"
    "time"

    "unibus/internal/model"
    "unibus/internal/store"
)

var (
    // ErrValidation: the request payload is malformed or violates a static
    // rule (self-swap, inverted period, period in the past).
    ErrValidation = errors.New("validation failed")
    // ErrForbidden: the actor is not a party allowed to perform the
    // transition.
    ErrForbidden = errors.New("forbidden")
)

// Actor identifies who is performing a lifecycle operation. Moderators and
// admins may act on any request; drivers only on their own side of it.
type Actor struct {
    DriverID string
    Elevated bool
}

func (a Actor) is(driverID string) bool { return a.Elevated || a.DriverID == driverID }

// Emitter receives one event per committed transition.
type Emitter interface {
    Emit(ctx context.Context, eventType string, data any)
}

type Config struct {
    // AcceptWindow bounds how long a pending request stays actionable.
    AcceptWindow time.Duration
    // EndGrace is how long an elapsed accepted swap may stay flagged before
    // the sweeper ends it automatically.
    EndGrace time.Duration
}

func (c Config) withDefaults() Config {
    if c.AcceptWindow <= 0 { c.AcceptWindow = 30 * time.Minute }
    if c.EndGrace <= 0 { c.EndGrace = 15 * time.Minute }
    return c
}

type Manager struct {
    Store store.Store
    Emit  Emitter
    Cfg   Config
    // Now is the clock; tests pin it.
    Now func() time.Time
}

func NewManager(s store.Store, em Emitter, cfg Config) *Manager {
    return &Manager{Store: s, Emit: em, Cfg: cfg.withDefaults(), Now: func() time.Time { return time.Now().UTC() }}
}

func (m *Manager) now() time.Time {
    if m.Now != nil { return m.Now() }
    return time.Now().UTC()
}

func (m *Manager) emit(ctx context.Context, eventType string, r model.SwapRequest) {
    if m.Emit != nil { m.Emit.Emit(ctx, eventType, r) }
}

// periodPresets maps the named swap durations onto concrete spans.
var periodPresets = map[model.PeriodKind]time.Duration{
    model.PeriodFirstTrip: 4 * time.Hour,
    model.PeriodOneDay:    24 * time.Hour,
    model.PeriodTwoDays:   48 * time.Hour,
}

// clockSkew is tolerated when checking that a custom period does not start
// in the past.
const clockSkew = 2 * time.Minute

// ResolvePeriod turns the payload period into a concrete [start, end)
// interval. Presets anchor at the given start (or now when omitted);
// custom periods must carry both bounds.
func ResolvePeriod(in model.TimePeriod, now time.Time) (model.TimePeriod, error) {
    kind := in.Kind
    if kind == "" { kind = model.PeriodCustom }
    if span, ok := periodPresets[kind]; ok {
        start := in.Start
        if start.IsZero() { start = now }
        if start.Before(now.Add(-clockSkew)) {
            return model.TimePeriod{}, fmt.Errorf("%w: period starts in the past", ErrValidation)
        }
        return model.TimePeriod{Kind: kind, Start: start, End: start.Add(span)}, nil
    }
    if kind != model.PeriodCustom {
        return model.TimePeriod{}, fmt.Errorf("%w: unknown period kind %q", ErrValidation, kind)
    }
    if in.Start.IsZero() || in.End.IsZero() {
        return model.TimePeriod{}, fmt.Errorf("%w: custom period needs startTime and endTime", ErrValidation)
    }
    if !in.Start.Before(in.End) {
        return model.TimePeriod{}, fmt.Errorf("%w: startTime must precede endTime", ErrValidation)
    }
    if in.Start.Before(now.Add(-clockSkew)) {
        return model.TimePeriod{}, fmt.Errorf("%w: period starts in the past", ErrValidation)
    }
    return model.TimePeriod{Kind: model.PeriodCustom, Start: in.Start, End: in.End}, nil
}

// Create validates and files a new pending swap request from fromDriverID.
func (m *Manager) Create(ctx context.Context, fromDriverID string, in model.SwapRequestIn) (model.SwapRequest, error) {
    if fromDriverID == "" || in.ToDriverID == "" {
        return model.SwapRequest{}, fmt.Errorf("%w: fromDriverId and toDriverId are required", ErrValidation)
    }
    if in.ToDriverID == fromDriverID {
        return model.SwapRequest{}, fmt.Errorf("%w: cannot request a swap with yourself", ErrValidation)
    }
    typ := in.SwapType
    if typ == "" { typ = model.SwapAssignment }
    if typ != model.SwapAssignment && typ != model.SwapExchange {
        return model.SwapRequest{}, fmt.Errorf("%w: unknown swapType %q", ErrValidation, typ)
    }
    now := m.now()
    period, err := ResolvePeriod(in.Period, now)
    if err != nil { return model.SwapRequest{}, err }

    bus := model.ParseBusID(in.BusID)
    if bus.IsReserved() {
        // Offer whatever the driver currently holds.
        d, err := m.Store.GetDriver(ctx, fromDriverID)
        if err != nil { return model.SwapRequest{}, err }
        if d.BusID.IsReserved() {
            return model.SwapRequest{}, fmt.Errorf("%w: driver %s has no duty to offer", ErrValidation, fromDriverID)
        }
        bus = d.BusID
    }
    req := model.SwapRequest{
        FromDriverID: fromDriverID,
        ToDriverID:   in.ToDriverID,
        BusID:        bus,
        SwapType:     typ,
        Period:       period,
        CreatedAt:    now,
    }
    created, err := m.Store.CreateSwapRequest(ctx, req)
    if err != nil { return model.SwapRequest{}, err }
    m.emit(ctx, "swap.created", created)
    return created, nil
}

// Accept applies the swap: only the target driver (or an elevated actor)
// may accept, and only within the accept window.
func (m *Manager) Accept(ctx context.Context, actor Actor, id string) (model.SwapRequest, error) {
    r, err := m.Store.GetSwapRequest(ctx, id)
    if err != nil { return model.SwapRequest{}, err }
    if !actor.is(r.ToDriverID) {
        return model.SwapRequest{}, fmt.Errorf("%w: only the target driver may accept", ErrForbidden)
    }
    now := m.now()
    if r.Status == model.StatusPending && now.After(r.CreatedAt.Add(m.Cfg.AcceptWindow)) {
        // The sweeper will mark it expired shortly; treat the late accept
        // the same as racing a finished transition.
        return model.SwapRequest{}, fmt.Errorf("%w: accept window elapsed", store.ErrAlreadyActed)
    }
    out, err := m.Store.AcceptSwap(ctx, id, now)
    if err != nil { return model.SwapRequest{}, err }
    m.emit(ctx, "swap.accepted", out)
    return out, nil
}

// Reject declines a pending request. Target driver or elevated only.
func (m *Manager) Reject(ctx context.Context, actor Actor, id, reason string) (model.SwapRequest, error) {
    r, err := m.Store.GetSwapRequest(ctx, id)
    if err != nil { return model.SwapRequest{}, err }
    if !actor.is(r.ToDriverID) {
        return model.SwapRequest{}, fmt.Errorf("%w: only the target driver may reject", ErrForbidden)
    }
    out, err := m.Store.RejectSwap(ctx, id, reason, m.now())
    if err != nil { return model.SwapRequest{}, err }
    m.emit(ctx, "swap.rejected", out)
    return out, nil
}

// Cancel withdraws a pending request. Originator or elevated only.
func (m *Manager) Cancel(ctx context.Context, actor Actor, id string) (model.SwapRequest, error) {
    r, err := m.Store.GetSwapRequest(ctx, id)
    if err != nil { return model.SwapRequest{}, err }
    if !actor.is(r.FromDriverID) {
        return model.SwapRequest{}, fmt.Errorf("%w: only the requesting driver may cancel", ErrForbidden)
    }
    out, err := m.Store.CancelSwap(ctx, id, m.now())
    if err != nil { return model.SwapRequest{}, err }
    m.emit(ctx, "swap.cancelled", out)
    return out, nil
}

// End reverts an accepted swap to the snapshotted assignments. Either party
// or an elevated actor may end early; the sweeper ends overdue swaps with
// an elevated system actor.
func (m *Manager) End(ctx context.Context, actor Actor, id, reason string) (model.SwapRequest, error) {
    r, err := m.Store.GetSwapRequest(ctx, id)
    if err != nil { return model.SwapRequest{}, err }
    if !actor.is(r.FromDriverID) && !actor.is(r.ToDriverID) {
        return model.SwapRequest{}, fmt.Errorf("%w: only a party to the swap may end it", ErrForbidden)
    }
    out, err := m.Store.EndSwap(ctx, id, reason, m.now())
    if err != nil { return model.SwapRequest{}, err }
    m.emit(ctx, "swap.ended", out)
    return out, nil
}

// Expire moves an overdue pending request to expired (sweeper only).
func (m *Manager) Expire(ctx context.Context, id string) (model.SwapRequest, error) {
    out, err := m.Store.ExpireSwap(ctx, id, m.now())
    if err != nil { return model.SwapRequest{}, err }
    m.emit(ctx, "swap.expired", out)
    return out, nil
}

// FlagExpiry marks an elapsed accepted swap as pending expiry (sweeper only).
func (m *Manager) FlagExpiry(ctx context.Context, id string) (model.SwapRequest, error) {
    out, err := m.Store.MarkPendingExpiry(ctx, id, m.now())
    if err != nil { return model.SwapRequest{}, err }
    m.emit(ctx, "swap.pending_expiry", out)
    return out, nil
}
