package api

import (
    "testing"
    "time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
    b := NewBroker()
    topic := "swap:r1"
    ch := b.Subscribe(topic)
    defer func() { recover() }() // ignore close panic if already closed

    evt := SSEEvent{Type: "swap.accepted", Data: map[string]any{"id": "r1"}}
    b.Publish(topic, evt)

    select {
    case got := <-ch:
        if got.Type != evt.Type { t.Fatalf("got type %s, want %s", got.Type, evt.Type) }
        if got.Data["id"].(string) != "r1" { t.Fatalf("bad payload: %+v", got.Data) }
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for event")
    }

    b.Unsubscribe(topic, ch)
    select {
    case _, ok := <-ch:
        if ok { t.Fatal("channel should be closed after unsubscribe") }
    case <-time.After(50 * time.Millisecond):
        // acceptable if already drained and closed
    }
}

func TestEmitterFansOutToTopics(t *testing.T) {
    b := NewBroker()
    em := &transitionEmitter{Broker: b}
    swapCh := b.Subscribe("swap:r1")
    fromCh := b.Subscribe("driver:d1")
    toCh := b.Subscribe("driver:d2")
    em.Emit(nil, "swap.created", testSwapRequest("r1", "d1", "d2"))
    for name, ch := range map[string]chan SSEEvent{"swap": swapCh, "from": fromCh, "to": toCh} {
        select {
        case evt := <-ch:
            if evt.Type != "swap.created" { t.Fatalf("%s: got %s", name, evt.Type) }
        case <-time.After(200 * time.Millisecond):
            t.Fatalf("%s: no event", name)
        }
    }
}
