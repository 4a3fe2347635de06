package api

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "strings"
    "time"

    "unibus/internal/model"
)

// SwapsHandler handles POST/GET /v1/swaps
func (s *Server) SwapsHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        pr := s.getPrincipal(r)
        var req struct {
            FromDriverID string `json:"fromDriverId"`
            model.SwapRequestIn
        }
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        from := pr.DriverID
        if req.FromDriverID != "" && pr.Elevated() { from = req.FromDriverID }
        if from == "" {
            writeProblem(w, http.StatusForbidden, "Forbidden", "a driver identity is required to request a swap", r.URL.Path)
            return
        }
        created, err := s.Mgr.Create(r.Context(), from, req.SwapRequestIn)
        if err != nil { writeErr(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusCreated, created)
    case http.MethodGet:
        pr := s.getPrincipal(r)
        q := r.URL.Query()
        driverID := q.Get("driverId")
        if !pr.Elevated() {
            // Drivers only see requests they are party to.
            driverID = pr.DriverID
            if driverID == "" {
                writeProblem(w, http.StatusForbidden, "Forbidden", "driver identity required", r.URL.Path)
                return
            }
        }
        limit := 100
        if v := q.Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSwapRequests(r.Context(), driverID, model.SwapStatus(q.Get("status")), q.Get("cursor"), limit)
        if err != nil { writeErr(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SwapByIDHandler handles /v1/swaps/{id} plus the accept/reject/cancel/end
// transitions and the per-request SSE stream.
func (s *Server) SwapByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/swaps/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    pr := s.getPrincipal(r)

    if len(parts) > 2 && parts[1] == "events" && parts[2] == "stream" {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        req, err := s.Store.GetSwapRequest(r.Context(), id)
        if err != nil { writeErr(w, err, r.URL.Path); return }
        if !s.partyOrElevated(pr, req) {
            writeProblem(w, http.StatusForbidden, "Forbidden", "not a party to this swap", r.URL.Path)
            return
        }
        s.streamSSE(w, r, "swap:"+id)
        return
    }

    if len(parts) == 1 {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        req, err := s.Store.GetSwapRequest(r.Context(), id)
        if err != nil { writeErr(w, err, r.URL.Path); return }
        if !s.partyOrElevated(pr, req) {
            writeProblem(w, http.StatusForbidden, "Forbidden", "not a party to this swap", r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, req)
        return
    }

    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    var body struct {
        Reason string `json:"reason"`
    }
    if r.Body != nil { _ = json.NewDecoder(r.Body).Decode(&body) }
    var out model.SwapRequest
    var err error
    switch parts[1] {
    case "accept":
        out, err = s.Mgr.Accept(r.Context(), pr.actor(), id)
    case "reject":
        out, err = s.Mgr.Reject(r.Context(), pr.actor(), id, body.Reason)
    case "cancel":
        out, err = s.Mgr.Cancel(r.Context(), pr.actor(), id)
    case "end":
        out, err = s.Mgr.End(r.Context(), pr.actor(), id, body.Reason)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "unknown action", r.URL.Path)
        return
    }
    if err != nil { writeErr(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, out)
}

func (s *Server) partyOrElevated(pr Principal, req model.SwapRequest) bool {
    if pr.Elevated() { return true }
    return pr.DriverID != "" && (pr.DriverID == req.FromDriverID || pr.DriverID == req.ToDriverID)
}

// DriversHandler handles GET /v1/drivers
func (s *Server) DriversHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    q := r.URL.Query()
    limit := 100
    if v := q.Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListDrivers(r.Context(), q.Get("cursor"), limit)
    if err != nil { writeErr(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// DriverByIDHandler handles /v1/drivers/{id}, /v1/drivers/{id}/assignment and
// the per-driver SSE stream.
func (s *Server) DriverByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/drivers/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    pr := s.getPrincipal(r)

    if len(parts) > 2 && parts[1] == "events" && parts[2] == "stream" {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if !pr.Elevated() && pr.DriverID != id {
            writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for this driver's events", r.URL.Path)
            return
        }
        s.streamSSE(w, r, "driver:"+id)
        return
    }

    if len(parts) > 1 && parts[1] == "assignment" {
        switch r.Method {
        case http.MethodGet:
            d, err := s.Store.GetDriver(r.Context(), id)
            if err != nil { writeErr(w, err, r.URL.Path); return }
            writeJSON(w, http.StatusOK, map[string]any{"driverId": d.ID, "busId": d.BusID.Label(), "routeId": d.RouteID})
        case http.MethodPut:
            if !pr.Elevated() {
                writeProblem(w, http.StatusForbidden, "Forbidden", "moderator or admin required", r.URL.Path)
                return
            }
            var patch model.AssignmentPatch
            if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
                writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
                return
            }
            d, err := s.Store.SetAssignment(r.Context(), id, model.ParseBusID(patch.BusID), patch.RouteID)
            if err != nil { writeErr(w, err, r.URL.Path); return }
            writeJSON(w, http.StatusOK, d)
        default:
            w.WriteHeader(http.StatusMethodNotAllowed)
        }
        return
    }

    switch r.Method {
    case http.MethodGet:
        d, err := s.Store.GetDriver(r.Context(), id)
        if err != nil { writeErr(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusOK, d)
    case http.MethodPut:
        if !pr.IsAdmin() {
            writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
            return
        }
        var d model.Driver
        if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        d.ID = id
        if err := s.Store.UpsertDriver(r.Context(), d); err != nil { writeErr(w, err, r.URL.Path); return }
        d, err := s.Store.GetDriver(r.Context(), id)
        if err != nil { writeErr(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusOK, d)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// streamSSE subscribes to a broker topic and streams events with heartbeats
// until the client goes away.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, topic string) {
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    ch := s.Broker.Subscribe(topic)
    defer s.Broker.Unsubscribe(topic, ch)
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"topic\":%q,\"ts\":%q}\n\n", topic, time.Now().Format(time.RFC3339))
    flusher.Flush()
    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"topic\":%q,\"ts\":%q}\n\n", topic, time.Now().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    pr := s.getPrincipal(r)
    if !pr.IsAdmin() { writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateSubscription(req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
            return
        }
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil { writeErr(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        q := r.URL.Query()
        limit := 100
        if v := q.Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSubscriptions(r.Context(), q.Get("cursor"), limit)
        if err != nil { writeErr(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    pr := s.getPrincipal(r)
    if !pr.IsAdmin() { writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if id == "" || r.Method != http.MethodDelete {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    if err := s.Store.DeleteSubscription(r.Context(), id); err != nil { writeErr(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    pr := s.getPrincipal(r)
    if !pr.IsAdmin() { writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    q := r.URL.Query()
    limit := 100
    if v := q.Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListWebhookDeliveries(r.Context(), q.Get("status"), q.Get("cursor"), limit)
    if err != nil { writeErr(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    pr := s.getPrincipal(r)
    if !pr.IsAdmin() { writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path); return }
    rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/")
    parts := strings.Split(rest, "/")
    if len(parts) != 2 || parts[1] != "retry" || r.Method != http.MethodPost {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    if err := s.Store.RetryWebhookDelivery(r.Context(), parts[0]); err != nil { writeErr(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler handles GET /readyz: verifies the backing store is reachable.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    if p, ok := s.Store.(interface{ Ping(ctx context.Context) error }); ok {
        if err := p.Ping(r.Context()); err != nil {
            writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
            return
        }
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
