package api

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"

    "unibus/internal/model"
)

func testSwapRequest(id, from, to string) model.SwapRequest {
    return model.SwapRequest{ID: id, FromDriverID: from, ToDriverID: to, BusID: "Bus-1", SwapType: model.SwapAssignment}
}

func newTestServer(t *testing.T) *Server {
    t.Helper()
    s, err := NewServer()
    if err != nil { t.Fatalf("NewServer: %v", err) }
    ctx := context.Background()
    for _, d := range []model.Driver{
        {ID: "d1", Name: "Asha", BusID: "Bus-1", RouteID: "R-EAST"},
        {ID: "d2", Name: "Binoy", BusID: "Bus-7", RouteID: "R-WEST"},
        {ID: "d3", Name: "Chitra"},
    } {
        if err := s.Store.UpsertDriver(ctx, d); err != nil { t.Fatal(err) }
    }
    return s
}

func asDriver(req *http.Request, id string) *http.Request {
    req.Header.Set("X-Role", "driver")
    req.Header.Set("X-Driver-Id", id)
    return req
}

func TestHealthReady(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    rr = httptest.NewRecorder()
    s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
    if rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
}

func TestSwapLifecycleHTTP(t *testing.T) {
    s := newTestServer(t)
    // create as d1
    body := []byte(`{"toDriverId":"d3","timePeriod":{"kind":"one_day"}}`)
    rr := httptest.NewRecorder()
    req := asDriver(httptest.NewRequest(http.MethodPost, "/v1/swaps", bytes.NewReader(body)), "d1")
    req.Header.Set("Content-Type", "application/json")
    s.SwapsHandler(rr, req)
    if rr.Code != http.StatusCreated { t.Fatalf("create: got %d (%s)", rr.Code, rr.Body.String()) }
    var created model.SwapRequest
    if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil { t.Fatal(err) }
    if created.Status != model.StatusPending || created.BusID != "Bus-1" {
        t.Fatalf("unexpected created request: %+v", created)
    }

    // accept as a bystander driver is forbidden
    rr = httptest.NewRecorder()
    s.SwapByIDHandler(rr, asDriver(httptest.NewRequest(http.MethodPost, "/v1/swaps/"+created.ID+"/accept", nil), "d2"))
    if rr.Code != http.StatusForbidden { t.Fatalf("bystander accept: got %d", rr.Code) }

    // accept as the target
    rr = httptest.NewRecorder()
    s.SwapByIDHandler(rr, asDriver(httptest.NewRequest(http.MethodPost, "/v1/swaps/"+created.ID+"/accept", nil), "d3"))
    if rr.Code != 200 { t.Fatalf("accept: got %d (%s)", rr.Code, rr.Body.String()) }

    // a lost duplicate accept maps to 409
    rr = httptest.NewRecorder()
    s.SwapByIDHandler(rr, asDriver(httptest.NewRequest(http.MethodPost, "/v1/swaps/"+created.ID+"/accept", nil), "d3"))
    if rr.Code != http.StatusConflict { t.Fatalf("double accept: got %d", rr.Code) }

    // the swap shows up in both parties' lists; strangers cannot read it
    rr = httptest.NewRecorder()
    s.SwapsHandler(rr, asDriver(httptest.NewRequest(http.MethodGet, "/v1/swaps", nil), "d3"))
    if rr.Code != 200 { t.Fatalf("list: got %d", rr.Code) }
    var list struct{ Items []model.SwapRequest `json:"items"` }
    _ = json.Unmarshal(rr.Body.Bytes(), &list)
    if len(list.Items) != 1 { t.Fatalf("target should see 1 request, got %d", len(list.Items)) }
    rr = httptest.NewRecorder()
    s.SwapByIDHandler(rr, asDriver(httptest.NewRequest(http.MethodGet, "/v1/swaps/"+created.ID, nil), "d2"))
    if rr.Code != http.StatusForbidden { t.Fatalf("stranger get: got %d", rr.Code) }

    // end as the originator and verify assignments reverted
    rr = httptest.NewRecorder()
    req = asDriver(httptest.NewRequest(http.MethodPost, "/v1/swaps/"+created.ID+"/end", bytes.NewReader([]byte(`{"reason":"done early"}`))), "d1")
    s.SwapByIDHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("end: got %d (%s)", rr.Code, rr.Body.String()) }
    d, err := s.Store.GetDriver(context.Background(), "d1")
    if err != nil { t.Fatal(err) }
    if d.BusID != "Bus-1" { t.Fatalf("assignment not reverted: %q", d.BusID) }
}

func TestSwapCreateValidationHTTP(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    req := asDriver(httptest.NewRequest(http.MethodPost, "/v1/swaps", bytes.NewReader([]byte(`{`))), "d1")
    s.SwapsHandler(rr, req)
    if rr.Code != http.StatusBadRequest { t.Fatalf("bad json: got %d", rr.Code) }

    rr = httptest.NewRecorder()
    req = asDriver(httptest.NewRequest(http.MethodPost, "/v1/swaps", bytes.NewReader([]byte(`{"toDriverId":"d1","timePeriod":{"kind":"one_day"}}`))), "d1")
    s.SwapsHandler(rr, req)
    if rr.Code != http.StatusBadRequest { t.Fatalf("self swap: got %d (%s)", rr.Code, rr.Body.String()) }

    // no driver identity and not elevated
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/swaps", bytes.NewReader([]byte(`{"toDriverId":"d2","timePeriod":{"kind":"one_day"}}`)))
    req.Header.Set("X-Role", "driver")
    s.SwapsHandler(rr, req)
    if rr.Code != http.StatusForbidden { t.Fatalf("anonymous create: got %d", rr.Code) }
}

func TestAssignmentEndpoint(t *testing.T) {
    s := newTestServer(t)
    // drivers may not seed assignments
    rr := httptest.NewRecorder()
    req := asDriver(httptest.NewRequest(http.MethodPut, "/v1/drivers/d3/assignment", bytes.NewReader([]byte(`{"busId":"Bus-9","routeId":"R-NORTH"}`))), "d3")
    s.DriverByIDHandler(rr, req)
    if rr.Code != http.StatusForbidden { t.Fatalf("driver put assignment: got %d", rr.Code) }

    // admin (header default role) may
    rr = httptest.NewRecorder()
    s.DriverByIDHandler(rr, httptest.NewRequest(http.MethodPut, "/v1/drivers/d3/assignment", bytes.NewReader([]byte(`{"busId":"Bus-9","routeId":"R-NORTH"}`))))
    if rr.Code != 200 { t.Fatalf("admin put assignment: got %d (%s)", rr.Code, rr.Body.String()) }

    rr = httptest.NewRecorder()
    s.DriverByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/drivers/d3/assignment", nil))
    if rr.Code != 200 { t.Fatalf("get assignment: got %d", rr.Code) }
    var out map[string]any
    _ = json.Unmarshal(rr.Body.Bytes(), &out)
    if out["busId"] != "Bus-9" || out["routeId"] != "R-NORTH" {
        t.Fatalf("assignment payload: %+v", out)
    }

    // reserved drivers render the sentinel label
    rr = httptest.NewRecorder()
    s.DriverByIDHandler(rr, httptest.NewRequest(http.MethodPut, "/v1/drivers/d3/assignment", bytes.NewReader([]byte(`{"busId":"none"}`))))
    if rr.Code != 200 { t.Fatalf("clear assignment: got %d", rr.Code) }
    rr = httptest.NewRecorder()
    s.DriverByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/drivers/d3/assignment", nil))
    _ = json.Unmarshal(rr.Body.Bytes(), &out)
    if out["busId"] != "reserved" { t.Fatalf("want reserved label, got %v", out["busId"]) }
}

func TestDriverUpsertRejectsOperatedBus(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    // d1 already operates Bus-1; the admin upsert must not hand it to d3.
    s.DriverByIDHandler(rr, httptest.NewRequest(http.MethodPut, "/v1/drivers/d3", bytes.NewReader([]byte(`{"name":"Chitra","busId":"Bus-1"}`))))
    if rr.Code != http.StatusConflict { t.Fatalf("duplicate bus upsert: got %d (%s)", rr.Code, rr.Body.String()) }
    d, err := s.Store.GetDriver(context.Background(), "d3")
    if err != nil { t.Fatal(err) }
    if !d.BusID.IsReserved() { t.Fatalf("d3 should remain reserved, got %q", d.BusID) }
}

func TestDriversList(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.DriversHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/drivers?limit=2", nil))
    if rr.Code != 200 { t.Fatalf("drivers list: got %d", rr.Code) }
    var list struct {
        Items      []model.Driver `json:"items"`
        NextCursor string         `json:"nextCursor"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &list)
    if len(list.Items) != 2 || list.NextCursor == "" {
        t.Fatalf("pagination: items=%d next=%q", len(list.Items), list.NextCursor)
    }
}

func TestSubscriptionsAdminOnly(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    req := asDriver(httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader([]byte(`{"url":"https://ops.example/hook","events":["swap.accepted"]}`))), "d1")
    s.SubscriptionsHandler(rr, req)
    if rr.Code != http.StatusForbidden { t.Fatalf("driver create sub: got %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader([]byte(`{"url":"ftp://x","events":["swap.accepted"]}`))))
    if rr.Code != http.StatusBadRequest { t.Fatalf("bad url: got %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader([]byte(`{"url":"https://ops.example/hook","events":["swap.nope"]}`))))
    if rr.Code != http.StatusBadRequest { t.Fatalf("unknown event: got %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader([]byte(`{"url":"https://ops.example/hook","events":["swap.accepted"],"secret":"s"}`))))
    if rr.Code != http.StatusCreated { t.Fatalf("create sub: got %d (%s)", rr.Code, rr.Body.String()) }
    var sub model.Subscription
    _ = json.Unmarshal(rr.Body.Bytes(), &sub)

    rr = httptest.NewRecorder()
    s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil))
    if rr.Code != 200 { t.Fatalf("list subs: got %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.SubscriptionByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil))
    if rr.Code != 200 { t.Fatalf("delete sub: got %d", rr.Code) }
}

func TestSwapNotFound(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.SwapByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/swaps/does-not-exist", nil))
    if rr.Code != http.StatusNotFound { t.Fatalf("missing swap: got %d", rr.Code) }
    var p Problem
    _ = json.Unmarshal(rr.Body.Bytes(), &p)
    if p.Status != http.StatusNotFound || p.Title == "" {
        t.Fatalf("problem body: %+v", p)
    }
}
