package duty

import (
    "testing"

    "unibus/internal/model"
)

func TestResolveAssignment(t *testing.T) {
    p := Resolve("Bus-3", model.Reserved, model.SwapAssignment)
    if p.ToBus != "Bus-3" {
        t.Fatalf("target should take offered bus, got %q", p.ToBus)
    }
    if !p.FromBus.IsReserved() {
        t.Fatalf("originator should become reserved, got %q", p.FromBus)
    }
    // Asymmetric even when the target already holds a bus.
    p = Resolve("Bus-3", "Bus-9", model.SwapAssignment)
    if p.ToBus != "Bus-3" || !p.FromBus.IsReserved() {
        t.Fatalf("assignment type must not exchange: %+v", p)
    }
}

func TestResolveExchange(t *testing.T) {
    p := Resolve("Bus-1", "Bus-7", model.SwapExchange)
    if p.ToBus != "Bus-1" || p.FromBus != "Bus-7" {
        t.Fatalf("exchange should trade buses: %+v", p)
    }
    // Target with no duty: originator becomes reserved.
    p = Resolve("Bus-1", model.Reserved, model.SwapExchange)
    if p.ToBus != "Bus-1" || !p.FromBus.IsReserved() {
        t.Fatalf("exchange with reserved target: %+v", p)
    }
}

func TestRestoreIsInverse(t *testing.T) {
    cases := []struct {
        offered, target model.BusID
        typ             model.SwapType
    }{
        {"Bus-3", model.Reserved, model.SwapAssignment},
        {"Bus-1", "Bus-7", model.SwapExchange},
        {"Bus-5", model.Reserved, model.SwapExchange},
    }
    for _, c := range cases {
        fromPrev, toPrev := c.offered, c.target
        back := Restore(fromPrev, toPrev)
        if back.FromBus != fromPrev || back.ToBus != toPrev {
            t.Fatalf("restore(%v) did not return snapshot: %+v", c, back)
        }
    }
}

func TestApplied(t *testing.T) {
    r := model.SwapRequest{BusID: "Bus-1", SwapType: model.SwapExchange, FromPrevBusID: "Bus-1", ToPrevBusID: "Bus-7"}
    p := Applied(r)
    if p.ToBus != "Bus-1" || p.FromBus != "Bus-7" {
        t.Fatalf("applied state mismatch: %+v", p)
    }
}
