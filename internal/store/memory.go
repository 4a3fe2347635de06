package store

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/google/uuid"

    "unibus/internal/duty"
    "unibus/internal/model"
)

// Memory is a mutex-guarded in-memory store used when no DATABASE_URL is
// set, and by the test suite. Every transition runs under the single lock,
// which gives the same all-or-nothing behavior the Postgres store gets from
// transactions.
type Memory struct {
    mu        sync.Mutex
    drivers   map[string]model.Driver
    driverIDs []string                 // insertion order for stable listing
    busRoutes map[model.BusID]string   // busId -> routeId
    reqs      map[string]model.SwapRequest
    reqIDs    []string
    subs      []model.Subscription
    deliveries  map[string]*memDelivery
    deliveryIDs []string
}

func NewMemory() *Memory {
    return &Memory{
        drivers: map[string]model.Driver{},
        busRoutes: map[model.BusID]string{},
        reqs: map[string]model.SwapRequest{},
        deliveries: map[string]*memDelivery{},
    }
}

// memDelivery augments WebhookDelivery with scheduling/metrics state.
type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

// Drivers

func (m *Memory) GetDriver(ctx context.Context, driverID string) (model.Driver, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.drivers[driverID]
    if !ok { return model.Driver{}, ErrNotFound }
    d.RouteID = m.busRoutes[d.BusID]
    return d, nil
}

func (m *Memory) ListDrivers(ctx context.Context, cursor string, limit int) ([]model.Driver, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    start := 0
    if cursor != "" {
        for i, id := range m.driverIDs {
            if id == cursor { start = i + 1; break }
        }
    }
    out := []model.Driver{}
    var last string
    for i := start; i < len(m.driverIDs) && len(out) < limit; i++ {
        d := m.drivers[m.driverIDs[i]]
        d.RouteID = m.busRoutes[d.BusID]
        out = append(out, d)
        last = d.ID
    }
    next := ""
    if len(out) == limit && start+len(out) < len(m.driverIDs) { next = last }
    return out, next, nil
}

func (m *Memory) UpsertDriver(ctx context.Context, d model.Driver) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if !d.BusID.IsReserved() {
        for _, other := range m.drivers {
            if other.ID != d.ID && other.BusID == d.BusID {
                return fmt.Errorf("%w: bus %s already operated by driver %s", ErrConflict, d.BusID, other.ID)
            }
        }
    }
    if _, ok := m.drivers[d.ID]; !ok { m.driverIDs = append(m.driverIDs, d.ID) }
    d.UpdatedAt = time.Now().UTC()
    if d.RouteID != "" && !d.BusID.IsReserved() { m.busRoutes[d.BusID] = d.RouteID }
    m.drivers[d.ID] = d
    return nil
}

func (m *Memory) SetAssignment(ctx context.Context, driverID string, busID model.BusID, routeID string) (model.Driver, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.drivers[driverID]
    if !ok { return model.Driver{}, ErrNotFound }
    if id := m.activeSwapLocked(driverID, ""); id != "" {
        return model.Driver{}, fmt.Errorf("%w: driver %s is party to accepted swap %s", ErrConflict, driverID, id)
    }
    if !busID.IsReserved() {
        for _, other := range m.drivers {
            if other.ID != driverID && other.BusID == busID {
                return model.Driver{}, fmt.Errorf("%w: bus %s already operated by driver %s", ErrConflict, busID, other.ID)
            }
        }
        if routeID != "" { m.busRoutes[busID] = routeID }
    }
    d.BusID = busID
    d.UpdatedAt = time.Now().UTC()
    m.drivers[driverID] = d
    d.RouteID = m.busRoutes[d.BusID]
    return d, nil
}

// outstandingSwapLocked returns the id of a pending or accepted request
// involving the driver, excluding exclID. Callers hold m.mu.
func (m *Memory) outstandingSwapLocked(driverID, exclID string) string {
    for _, id := range m.reqIDs {
        r := m.reqs[id]
        if r.ID == exclID { continue }
        if r.Status != model.StatusPending && r.Status != model.StatusAccepted { continue }
        if r.FromDriverID == driverID || r.ToDriverID == driverID { return r.ID }
    }
    return ""
}

// activeSwapLocked is outstandingSwapLocked restricted to accepted requests.
func (m *Memory) activeSwapLocked(driverID, exclID string) string {
    for _, id := range m.reqIDs {
        r := m.reqs[id]
        if r.ID == exclID || r.Status != model.StatusAccepted { continue }
        if r.FromDriverID == driverID || r.ToDriverID == driverID { return r.ID }
    }
    return ""
}

// Swap requests

func (m *Memory) CreateSwapRequest(ctx context.Context, req model.SwapRequest) (model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    from, ok := m.drivers[req.FromDriverID]
    if !ok { return model.SwapRequest{}, fmt.Errorf("%w: driver %s", ErrNotFound, req.FromDriverID) }
    to, ok := m.drivers[req.ToDriverID]
    if !ok { return model.SwapRequest{}, fmt.Errorf("%w: driver %s", ErrNotFound, req.ToDriverID) }
    if from.BusID.IsReserved() || from.BusID != req.BusID {
        return model.SwapRequest{}, fmt.Errorf("%w: driver %s does not hold bus %s", ErrConflict, req.FromDriverID, req.BusID.Label())
    }
    for _, id := range []string{req.FromDriverID, req.ToDriverID} {
        if rid := m.outstandingSwapLocked(id, ""); rid != "" {
            return model.SwapRequest{}, fmt.Errorf("%w: driver %s already involved in request %s", ErrConflict, id, rid)
        }
    }
    req.ID = uuid.New().String()
    req.Status = model.StatusPending
    if req.SwapType == model.SwapExchange { req.SecondaryBusID = to.BusID }
    req.RouteID = m.busRoutes[req.BusID]
    m.reqs[req.ID] = req
    m.reqIDs = append(m.reqIDs, req.ID)
    return req, nil
}

func (m *Memory) GetSwapRequest(ctx context.Context, id string) (model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.reqs[id]
    if !ok { return model.SwapRequest{}, ErrNotFound }
    return r, nil
}

func (m *Memory) ListSwapRequests(ctx context.Context, driverID string, status model.SwapStatus, cursor string, limit int) ([]model.SwapRequest, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    start := 0
    if cursor != "" {
        for i, id := range m.reqIDs {
            if id == cursor { start = i + 1; break }
        }
    }
    out := []model.SwapRequest{}
    var last string
    for i := start; i < len(m.reqIDs); i++ {
        r := m.reqs[m.reqIDs[i]]
        if driverID != "" && r.FromDriverID != driverID && r.ToDriverID != driverID { continue }
        if status != "" && r.Status != status { continue }
        out = append(out, r)
        last = r.ID
        if len(out) >= limit { break }
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (m *Memory) AcceptSwap(ctx context.Context, id string, now time.Time) (model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.reqs[id]
    if !ok { return model.SwapRequest{}, ErrNotFound }
    if r.Status != model.StatusPending {
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s", ErrAlreadyActed, r.Status)
    }
    for _, did := range []string{r.FromDriverID, r.ToDriverID} {
        if rid := m.activeSwapLocked(did, r.ID); rid != "" {
            return model.SwapRequest{}, fmt.Errorf("%w: driver %s already party to accepted swap %s", ErrConflict, did, rid)
        }
    }
    from := m.drivers[r.FromDriverID]
    to := m.drivers[r.ToDriverID]
    if from.BusID != r.BusID {
        return model.SwapRequest{}, fmt.Errorf("%w: offered bus %s no longer held by driver %s", ErrConflict, r.BusID.Label(), r.FromDriverID)
    }
    r.FromPrevBusID = from.BusID
    r.ToPrevBusID = to.BusID
    if r.SwapType == model.SwapExchange { r.SecondaryBusID = to.BusID }
    p := duty.Resolve(r.BusID, to.BusID, r.SwapType)
    from.BusID = p.FromBus
    to.BusID = p.ToBus
    from.UpdatedAt = now
    to.UpdatedAt = now
    t := now
    r.Status = model.StatusAccepted
    r.AcceptedAt = &t
    m.drivers[from.ID] = from
    m.drivers[to.ID] = to
    m.reqs[r.ID] = r
    return r, nil
}

func (m *Memory) RejectSwap(ctx context.Context, id, reason string, now time.Time) (model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.reqs[id]
    if !ok { return model.SwapRequest{}, ErrNotFound }
    if r.Status != model.StatusPending {
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s", ErrAlreadyActed, r.Status)
    }
    t := now
    r.Status = model.StatusRejected
    r.RejectedAt = &t
    r.Reason = reason
    m.reqs[r.ID] = r
    return r, nil
}

func (m *Memory) CancelSwap(ctx context.Context, id string, now time.Time) (model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.reqs[id]
    if !ok { return model.SwapRequest{}, ErrNotFound }
    if r.Status != model.StatusPending {
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s", ErrAlreadyActed, r.Status)
    }
    r.Status = model.StatusCancelled
    m.reqs[r.ID] = r
    return r, nil
}

func (m *Memory) EndSwap(ctx context.Context, id, reason string, now time.Time) (model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.reqs[id]
    if !ok { return model.SwapRequest{}, ErrNotFound }
    if r.Status != model.StatusAccepted {
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s", ErrAlreadyActed, r.Status)
    }
    from := m.drivers[r.FromDriverID]
    to := m.drivers[r.ToDriverID]
    applied := duty.Applied(r)
    if from.BusID != applied.FromBus || to.BusID != applied.ToBus {
        return model.SwapRequest{}, fmt.Errorf("%w: assignments changed since accept (from=%s to=%s)", ErrConflict, from.BusID.Label(), to.BusID.Label())
    }
    p := duty.Restore(r.FromPrevBusID, r.ToPrevBusID)
    from.BusID = p.FromBus
    to.BusID = p.ToBus
    from.UpdatedAt = now
    to.UpdatedAt = now
    r.Status = model.StatusEnded
    if reason != "" { r.Reason = reason }
    m.drivers[from.ID] = from
    m.drivers[to.ID] = to
    m.reqs[r.ID] = r
    return r, nil
}

// Sweeper support

func (m *Memory) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    out := []model.SwapRequest{}
    for _, id := range m.reqIDs {
        r := m.reqs[id]
        if r.Status == model.StatusPending && r.CreatedAt.Before(cutoff) {
            out = append(out, r)
            if len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) ExpireSwap(ctx context.Context, id string, now time.Time) (model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.reqs[id]
    if !ok { return model.SwapRequest{}, ErrNotFound }
    if r.Status != model.StatusPending {
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s", ErrAlreadyActed, r.Status)
    }
    r.Status = model.StatusExpired
    m.reqs[r.ID] = r
    return r, nil
}

func (m *Memory) ListElapsedAccepted(ctx context.Context, now time.Time, limit int) ([]model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    out := []model.SwapRequest{}
    for _, id := range m.reqIDs {
        r := m.reqs[id]
        if r.Status == model.StatusAccepted && !r.Period.End.After(now) {
            out = append(out, r)
            if len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) MarkPendingExpiry(ctx context.Context, id string, now time.Time) (model.SwapRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.reqs[id]
    if !ok { return model.SwapRequest{}, ErrNotFound }
    if r.Status != model.StatusAccepted || r.PendingExpiry {
        return model.SwapRequest{}, fmt.Errorf("%w: request is %s (pendingExpiry=%t)", ErrAlreadyActed, r.Status, r.PendingExpiry)
    }
    r.PendingExpiry = true
    m.reqs[r.ID] = r
    return r, nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs = append(m.subs, s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs {
        for _, e := range s.Events {
            if e == eventType || e == "*" { out = append(out, s); break }
        }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    start := 0
    if cursor != "" {
        for i := range m.subs {
            if m.subs[i].ID == cursor { start = i + 1; break }
        }
    }
    end := start + limit
    if end > len(m.subs) { end = len(m.subs) }
    items := append([]model.Subscription(nil), m.subs[start:end]...)
    next := ""
    if end < len(m.subs) && end > start { next = m.subs[end-1].ID }
    return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Subscription, 0, len(m.subs))
    for _, s := range m.subs {
        if s.ID != id { out = append(out, s) }
    }
    m.subs = out
    return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
    m.deliveries[id] = d
    m.deliveryIDs = append(m.deliveryIDs, id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.deliveryIDs {
        d := m.deliveries[id]
        if d == nil { continue }
        if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
            out = append(out, d.WebhookDelivery)
            if limit > 0 && len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return nil }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
        now := time.Now()
        d.DeliveredAt = &now
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil {
        d.Status = "failed"
        d.LastError = lastError
        d.ResponseCode = responseCode
        d.LatencyMs = latencyMs
    }
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []map[string]any{}
    for _, id := range m.deliveryIDs {
        d := m.deliveries[id]
        if d == nil { continue }
        if status == "" || d.Status == status {
            item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
            if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
            if d.LastError != "" { item["lastError"] = d.LastError }
            out = append(out, item)
        }
    }
    return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil {
        d.Status = "pending"
        d.NextAttemptAt = time.Now()
    }
    return nil
}
