package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotifyDelivers(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		json.NewDecoder(r.Body).Decode(&e)
		received <- e
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, 8, srv.Client())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Notify(Event{Provider: "openai", ModelID: "gpt-4o", Error: "503"})

	select {
	case e := <-received:
		if e.Provider != "openai" || e.Error != "503" {
			t.Errorf("event = %+v", e)
		}
		if e.At.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestNotifyDropsWhenFull(t *testing.T) {
	// No Run loop: the queue fills and further events are dropped without
	// blocking the caller.
	n := New("http://example.invalid", 2, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Notify(Event{Provider: "p", Error: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
}

func TestNotifyDisabledWithoutURL(t *testing.T) {
	n := New("", 0, nil)
	n.Notify(Event{Provider: "p"}) // must not panic or block
}
