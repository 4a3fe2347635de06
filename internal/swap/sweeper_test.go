package swap

import (
    "context"
    "testing"
    "time"

    "unibus/internal/model"
)

func TestSweepExpiresOverduePending(t *testing.T) {
    mgr, mem, em, clock := newFixture(t)
    ctx := context.Background()
    r, err := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d3", Period: model.TimePeriod{Kind: model.PeriodOneDay}})
    if err != nil { t.Fatal(err) }
    sw := NewSweeper(mgr, time.Minute)

    // Inside the window nothing happens.
    sw.ProcessOnce()
    got, _ := mem.GetSwapRequest(ctx, r.ID)
    if got.Status != model.StatusPending { t.Fatalf("swept too early: %s", got.Status) }

    *clock = clock.Add(31 * time.Minute)
    sw.ProcessOnce()
    got, _ = mem.GetSwapRequest(ctx, r.ID)
    if got.Status != model.StatusExpired { t.Fatalf("want expired, got %s", got.Status) }
    if em.last() != "swap.expired" { t.Fatalf("want swap.expired, got %q", em.last()) }

    // Idempotent under repeated ticks.
    before := len(em.events)
    sw.ProcessOnce()
    if len(em.events) != before { t.Fatalf("re-sweep emitted events: %v", em.events[before:]) }
}

func TestSweepFlagsThenEndsElapsedAccepted(t *testing.T) {
    mgr, mem, em, clock := newFixture(t)
    ctx := context.Background()
    r, err := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d3", Period: model.TimePeriod{Kind: model.PeriodFirstTrip}})
    if err != nil { t.Fatal(err) }
    if _, err := mgr.Accept(ctx, Actor{DriverID: "d3"}, r.ID); err != nil { t.Fatal(err) }
    sw := NewSweeper(mgr, time.Minute)

    // Period elapsed: first tick only flags.
    *clock = clock.Add(4*time.Hour + time.Minute)
    sw.ProcessOnce()
    got, _ := mem.GetSwapRequest(ctx, r.ID)
    if got.Status != model.StatusAccepted || !got.PendingExpiry {
        t.Fatalf("want flagged accepted, got %+v", got)
    }
    if em.last() != "swap.pending_expiry" { t.Fatalf("want swap.pending_expiry, got %q", em.last()) }

    // Within the grace window the swap stays in effect.
    sw.ProcessOnce()
    got, _ = mem.GetSwapRequest(ctx, r.ID)
    if got.Status != model.StatusAccepted { t.Fatalf("ended inside grace: %s", got.Status) }

    // After the grace the sweeper ends it and assignments revert.
    *clock = clock.Add(20 * time.Minute)
    sw.ProcessOnce()
    got, _ = mem.GetSwapRequest(ctx, r.ID)
    if got.Status != model.StatusEnded || got.Reason != "auto-expired" {
        t.Fatalf("want auto-ended, got %+v", got)
    }
    if em.last() != "swap.ended" { t.Fatalf("want swap.ended, got %q", em.last()) }
    d1, _ := mem.GetDriver(ctx, "d1")
    d3, _ := mem.GetDriver(ctx, "d3")
    if d1.BusID != "Bus-1" || !d3.BusID.IsReserved() {
        t.Fatalf("assignments not reverted: d1=%q d3=%q", d1.BusID, d3.BusID)
    }
}

func TestSweepCountsTransitions(t *testing.T) {
    mgr, _, _, clock := newFixture(t)
    ctx := context.Background()
    if _, err := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d3", Period: model.TimePeriod{Kind: model.PeriodOneDay}}); err != nil { t.Fatal(err) }
    sw := NewSweeper(mgr, time.Minute)
    counts := map[string]int{}
    sw.OnSweep = func(kind string) { counts[kind]++ }
    *clock = clock.Add(time.Hour)
    sw.ProcessOnce()
    if counts["expired"] != 1 { t.Fatalf("want 1 expired count, got %+v", counts) }
}
