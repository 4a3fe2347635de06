package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEventsWSFanout(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(http.HandlerFunc(s.EventsWSHandler))
	defer srv.Close()

	hdr := http.Header{"X-Role": {"admin"}}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatal(err)
	}
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "connection_ack" {
		t.Fatalf("want connection_ack, got %+v err=%v", ack, err)
	}

	sub := func(id, driver string) {
		pl, _ := json.Marshal(wsSubscribePayload{DriverID: driver})
		if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: id, Payload: pl}); err != nil {
			t.Fatal(err)
		}
	}
	sub("s1", "d1")
	sub("s2", "d2")

	b, ok := s.Broker.(*Broker)
	if !ok {
		t.Fatal("expected the in-memory broker")
	}
	waitSub := func(topic string) {
		deadline := time.Now().Add(2 * time.Second)
		for {
			b.mu.Lock()
			n := len(b.subs[topic])
			b.mu.Unlock()
			if n == 1 {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("no subscriber registered on %s", topic)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitSub("driver:d1")
	waitSub("driver:d2")

	// Both forwarder goroutines write to the same connection at once; the
	// events must all arrive intact on their own subscription ids.
	const per = 4
	var wg sync.WaitGroup
	for _, topic := range []string{"driver:d1", "driver:d2"} {
		wg.Add(1)
		go func(tp string) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				b.Publish(tp, SSEEvent{Type: "swap.created", Data: map[string]any{"topic": tp}})
			}
		}(topic)
	}
	wg.Wait()

	got := map[string]int{}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for got["s1"]+got["s2"] < 2*per {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read after %v: %v", got, err)
		}
		switch msg.Type {
		case "next":
			got[msg.ID]++
		case "ping":
			// keepalive, ignore
		case "error":
			t.Fatalf("unexpected error frame: %s", msg.Payload)
		}
	}
	if got["s1"] != per || got["s2"] != per {
		t.Fatalf("fanout counts: %v", got)
	}
}

func TestEventsWSSubscribeRBAC(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(http.HandlerFunc(s.EventsWSHandler))
	defer srv.Close()

	hdr := http.Header{"X-Role": {"driver"}, "X-Driver-Id": {"d2"}}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	pl, _ := json.Marshal(wsSubscribePayload{DriverID: "d1"})
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "s1", Payload: pl}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "error" {
		t.Fatalf("driver d2 subscribing to d1 events should be refused, got %+v", msg)
	}
}
