package api

import (
    "context"
    "encoding/json"
    "strings"

    "unibus/internal/metrics"
    "unibus/internal/model"
    "unibus/internal/webhooks"
)

// transitionEmitter is the swap.Emitter used in production: every committed
// transition fans out to live SSE/WebSocket subscribers, is enqueued for
// webhook delivery, and bumps the transition counter.
type transitionEmitter struct {
    Broker EventBroker
    Pub    *webhooks.Publisher
}

func (e *transitionEmitter) Emit(ctx context.Context, eventType string, data any) {
    evt := SSEEvent{Type: eventType, Data: toMap(data)}
    if r, ok := data.(model.SwapRequest); ok {
        e.Broker.Publish("swap:"+r.ID, evt)
        e.Broker.Publish("driver:"+r.FromDriverID, evt)
        e.Broker.Publish("driver:"+r.ToDriverID, evt)
    }
    if e.Pub != nil { e.Pub.Emit(ctx, eventType, data) }
    metrics.SwapTransitions.WithLabelValues(strings.TrimPrefix(eventType, "swap.")).Inc()
}

func toMap(v any) map[string]any {
    b, _ := json.Marshal(v)
    m := map[string]any{}
    _ = json.Unmarshal(b, &m)
    return m
}

func sweepCounter(kind string) {
    metrics.SweeperActions.WithLabelValues(kind).Inc()
}
