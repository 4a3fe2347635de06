package swap

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "unibus/internal/model"
    "unibus/internal/store"
)

type recordEmitter struct {
    mu     sync.Mutex
    events []string
}

func (e *recordEmitter) Emit(ctx context.Context, eventType string, data any) {
    e.mu.Lock(); defer e.mu.Unlock()
    e.events = append(e.events, eventType)
}

func (e *recordEmitter) last() string {
    e.mu.Lock(); defer e.mu.Unlock()
    if len(e.events) == 0 { return "" }
    return e.events[len(e.events)-1]
}

func newFixture(t *testing.T) (*Manager, *store.Memory, *recordEmitter, *time.Time) {
    t.Helper()
    mem := store.NewMemory()
    ctx := context.Background()
    for _, d := range []model.Driver{
        {ID: "d1", Name: "Asha", BusID: "Bus-1", RouteID: "R-EAST"},
        {ID: "d2", Name: "Binoy", BusID: "Bus-7", RouteID: "R-WEST"},
        {ID: "d3", Name: "Chitra"},
    } {
        if err := mem.UpsertDriver(ctx, d); err != nil { t.Fatal(err) }
    }
    em := &recordEmitter{}
    mgr := NewManager(mem, em, Config{AcceptWindow: 30 * time.Minute, EndGrace: 15 * time.Minute})
    now := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)
    clock := &now
    mgr.Now = func() time.Time { return *clock }
    return mgr, mem, em, clock
}

func TestCreateValidation(t *testing.T) {
    mgr, _, _, _ := newFixture(t)
    ctx := context.Background()
    cases := []struct {
        name string
        in   model.SwapRequestIn
    }{
        {"self swap", model.SwapRequestIn{ToDriverID: "d1"}},
        {"unknown type", model.SwapRequestIn{ToDriverID: "d2", SwapType: "barter"}},
        {"inverted custom period", model.SwapRequestIn{ToDriverID: "d2", Period: model.TimePeriod{Kind: model.PeriodCustom, Start: time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}}},
        {"past custom period", model.SwapRequestIn{ToDriverID: "d2", Period: model.TimePeriod{Kind: model.PeriodCustom, Start: time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 8, 27, 4, 0, 0, 0, time.UTC)}}},
        {"missing target", model.SwapRequestIn{}},
    }
    for _, c := range cases {
        if _, err := mgr.Create(ctx, "d1", c.in); !errors.Is(err, ErrValidation) {
            t.Errorf("%s: want ErrValidation, got %v", c.name, err)
        }
    }
    // Driver without a duty has nothing to offer.
    if _, err := mgr.Create(ctx, "d3", model.SwapRequestIn{ToDriverID: "d2"}); !errors.Is(err, ErrValidation) {
        t.Errorf("reserved originator: want ErrValidation, got %v", err)
    }
}

func TestCreateDefaultsAndPresets(t *testing.T) {
    mgr, _, em, clock := newFixture(t)
    ctx := context.Background()
    r, err := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d3", Period: model.TimePeriod{Kind: model.PeriodOneDay}})
    if err != nil { t.Fatal(err) }
    // Bus defaults to the originator's current duty; route follows the bus.
    if r.BusID != "Bus-1" || r.RouteID != "R-EAST" {
        t.Fatalf("bus/route not defaulted: %+v", r)
    }
    if r.SwapType != model.SwapAssignment { t.Fatalf("type should default to assignment, got %s", r.SwapType) }
    if !r.Period.Start.Equal(*clock) || !r.Period.End.Equal(clock.Add(24*time.Hour)) {
        t.Fatalf("one_day preset not anchored at now: %+v", r.Period)
    }
    if em.last() != "swap.created" { t.Fatalf("want swap.created, got %q", em.last()) }
}

func TestResolvePeriodPresets(t *testing.T) {
    now := time.Date(2026, 8, 28, 6, 0, 0, 0, time.UTC)
    for kind, want := range map[model.PeriodKind]time.Duration{
        model.PeriodFirstTrip: 4 * time.Hour,
        model.PeriodOneDay:    24 * time.Hour,
        model.PeriodTwoDays:   48 * time.Hour,
    } {
        p, err := ResolvePeriod(model.TimePeriod{Kind: kind}, now)
        if err != nil { t.Fatalf("%s: %v", kind, err) }
        if p.End.Sub(p.Start) != want { t.Fatalf("%s: span %v, want %v", kind, p.End.Sub(p.Start), want) }
    }
    // A preset may be anchored at a future start.
    p, err := ResolvePeriod(model.TimePeriod{Kind: model.PeriodFirstTrip, Start: now.Add(time.Hour)}, now)
    if err != nil { t.Fatal(err) }
    if !p.Start.Equal(now.Add(time.Hour)) { t.Fatalf("anchored start lost: %+v", p) }
}

func TestAcceptAuthorizationAndWindow(t *testing.T) {
    mgr, _, em, clock := newFixture(t)
    ctx := context.Background()
    r, err := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d3", Period: model.TimePeriod{Kind: model.PeriodOneDay}})
    if err != nil { t.Fatal(err) }

    if _, err := mgr.Accept(ctx, Actor{DriverID: "d1"}, r.ID); !errors.Is(err, ErrForbidden) {
        t.Fatalf("originator must not accept: %v", err)
    }
    if _, err := mgr.Accept(ctx, Actor{DriverID: "d2"}, r.ID); !errors.Is(err, ErrForbidden) {
        t.Fatalf("bystander must not accept: %v", err)
    }
    // Past the accept window the request behaves as already handled.
    *clock = clock.Add(31 * time.Minute)
    if _, err := mgr.Accept(ctx, Actor{DriverID: "d3"}, r.ID); !errors.Is(err, store.ErrAlreadyActed) {
        t.Fatalf("want ErrAlreadyActed past window, got %v", err)
    }
    // Inside the window the target accepts and an event goes out.
    *clock = clock.Add(-20 * time.Minute)
    out, err := mgr.Accept(ctx, Actor{DriverID: "d3"}, r.ID)
    if err != nil { t.Fatal(err) }
    if out.Status != model.StatusAccepted { t.Fatalf("want accepted, got %s", out.Status) }
    if em.last() != "swap.accepted" { t.Fatalf("want swap.accepted, got %q", em.last()) }
}

func TestRejectKeepsReason(t *testing.T) {
    mgr, _, em, _ := newFixture(t)
    ctx := context.Background()
    r, _ := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d3", Period: model.TimePeriod{Kind: model.PeriodOneDay}})
    if _, err := mgr.Reject(ctx, Actor{DriverID: "d1"}, r.ID, "x"); !errors.Is(err, ErrForbidden) {
        t.Fatalf("originator must not reject: %v", err)
    }
    out, err := mgr.Reject(ctx, Actor{DriverID: "d3"}, r.ID, "on leave that day")
    if err != nil { t.Fatal(err) }
    if out.Status != model.StatusRejected || out.Reason != "on leave that day" || out.RejectedAt == nil {
        t.Fatalf("rejection not recorded: %+v", out)
    }
    if em.last() != "swap.rejected" { t.Fatalf("want swap.rejected, got %q", em.last()) }
    // Terminal: no further transitions.
    if _, err := mgr.Accept(ctx, Actor{DriverID: "d3"}, r.ID); !errors.Is(err, store.ErrAlreadyActed) {
        t.Fatalf("want ErrAlreadyActed on accept-after-reject, got %v", err)
    }
}

func TestCancelOnlyByOriginator(t *testing.T) {
    mgr, _, em, _ := newFixture(t)
    ctx := context.Background()
    r, _ := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d3", Period: model.TimePeriod{Kind: model.PeriodOneDay}})
    if _, err := mgr.Cancel(ctx, Actor{DriverID: "d3"}, r.ID); !errors.Is(err, ErrForbidden) {
        t.Fatalf("target must not cancel: %v", err)
    }
    out, err := mgr.Cancel(ctx, Actor{DriverID: "d1"}, r.ID)
    if err != nil { t.Fatal(err) }
    if out.Status != model.StatusCancelled { t.Fatalf("want cancelled, got %s", out.Status) }
    if em.last() != "swap.cancelled" { t.Fatalf("want swap.cancelled, got %q", em.last()) }
}

func TestEndByEitherParty(t *testing.T) {
    mgr, mem, em, _ := newFixture(t)
    ctx := context.Background()
    r, _ := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d2", SwapType: model.SwapExchange, Period: model.TimePeriod{Kind: model.PeriodTwoDays}})
    if _, err := mgr.Accept(ctx, Actor{DriverID: "d2"}, r.ID); err != nil { t.Fatal(err) }

    if _, err := mgr.End(ctx, Actor{DriverID: "d3"}, r.ID, ""); !errors.Is(err, ErrForbidden) {
        t.Fatalf("stranger must not end: %v", err)
    }
    out, err := mgr.End(ctx, Actor{DriverID: "d1"}, r.ID, "returning early")
    if err != nil { t.Fatal(err) }
    if out.Status != model.StatusEnded { t.Fatalf("want ended, got %s", out.Status) }
    if em.last() != "swap.ended" { t.Fatalf("want swap.ended, got %q", em.last()) }
    d1, _ := mem.GetDriver(ctx, "d1")
    d2, _ := mem.GetDriver(ctx, "d2")
    if d1.BusID != "Bus-1" || d2.BusID != "Bus-7" {
        t.Fatalf("assignments not restored: d1=%q d2=%q", d1.BusID, d2.BusID)
    }
}

// Exercises the full portal flow: a one-day handoff of Bus-3, then an
// exchange of Bus-1 and Bus-7 that is ended manually, with the single
// outstanding request rule enforced between them.
func TestLifecycleScenarios(t *testing.T) {
    mgr, mem, _, _ := newFixture(t)
    ctx := context.Background()
    if err := mem.UpsertDriver(ctx, model.Driver{ID: "d4", Name: "Dev", BusID: "Bus-3", RouteID: "R-SOUTH"}); err != nil { t.Fatal(err) }

    // Handoff: d4 gives Bus-3 to the reserved driver d3 for a day.
    r1, err := mgr.Create(ctx, "d4", model.SwapRequestIn{ToDriverID: "d3", Period: model.TimePeriod{Kind: model.PeriodOneDay}})
    if err != nil { t.Fatal(err) }
    if _, err := mgr.Accept(ctx, Actor{DriverID: "d3"}, r1.ID); err != nil { t.Fatal(err) }
    d3, _ := mem.GetDriver(ctx, "d3")
    d4, _ := mem.GetDriver(ctx, "d4")
    if d3.BusID != "Bus-3" || !d4.BusID.IsReserved() {
        t.Fatalf("handoff wrong: d3=%q d4=%q", d3.BusID, d4.BusID)
    }
    // d4 cannot file another request while the first swap is active.
    if _, err := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d4", Period: model.TimePeriod{Kind: model.PeriodOneDay}}); !errors.Is(err, store.ErrConflict) {
        t.Fatalf("want ErrConflict involving active party, got %v", err)
    }

    // Parallel exchange between the uninvolved d1 and d2.
    r2, err := mgr.Create(ctx, "d1", model.SwapRequestIn{ToDriverID: "d2", SwapType: model.SwapExchange, Period: model.TimePeriod{Kind: model.PeriodTwoDays}})
    if err != nil { t.Fatal(err) }
    if _, err := mgr.Accept(ctx, Actor{DriverID: "d2"}, r2.ID); err != nil { t.Fatal(err) }
    d1, _ := mem.GetDriver(ctx, "d1")
    d2, _ := mem.GetDriver(ctx, "d2")
    if d1.BusID != "Bus-7" || d2.BusID != "Bus-1" {
        t.Fatalf("exchange wrong: d1=%q d2=%q", d1.BusID, d2.BusID)
    }
    if _, err := mgr.End(ctx, Actor{DriverID: "d2"}, r2.ID, ""); err != nil { t.Fatal(err) }
    d1, _ = mem.GetDriver(ctx, "d1")
    d2, _ = mem.GetDriver(ctx, "d2")
    if d1.BusID != "Bus-1" || d2.BusID != "Bus-7" {
        t.Fatalf("exchange not reverted: d1=%q d2=%q", d1.BusID, d2.BusID)
    }
}
