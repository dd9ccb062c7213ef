package ridertracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"locstream/internal/domain"
)

func dial(t *testing.T, srv *httptest.Server, driver string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/track/" + driver
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, h *Hub, driver string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Subscribers(driver) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscribers of %s = %d, want %d", driver, h.Subscribers(driver), n)
}

func TestHubStreamsDriverLocations(t *testing.T) {
	h := NewHub(logr.Discard())
	defer h.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, "/track/"))
	}))
	defer srv.Close()

	c1 := dial(t, srv, "d1")
	dial(t, srv, "d2")
	waitSubscribers(t, h, "d1", 1)
	waitSubscribers(t, h, "d2", 1)

	u := domain.LocationUpdate{DriverID: "d1", Latitude: 6.5, Longitude: 3.3, Timestamp: time.Unix(1700000000, 0).UTC(), Sequence: 9}
	if err := h.Handle(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	_ = c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c1.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.DriverID != "d1" || msg.Sequence != 9 || msg.Latitude != 6.5 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	h := NewHub(logr.Discard())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "d1")
	}))
	defer srv.Close()

	conn := dial(t, srv, "d1")
	waitSubscribers(t, h, "d1", 1)
	_ = conn.Close()
	waitSubscribers(t, h, "d1", 0)
}

func TestHandleWithoutSubscribersIsNoop(t *testing.T) {
	h := NewHub(logr.Discard())
	if err := h.Handle(context.Background(), domain.LocationUpdate{DriverID: "nobody"}); err != nil {
		t.Fatal(err)
	}
}
