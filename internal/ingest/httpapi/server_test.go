package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"locstream/internal/broker"
	"locstream/internal/domain"
	"locstream/internal/hashroute"
	"locstream/internal/publisher"
	"locstream/internal/sequence"
)

const testPartitions = 4

func init() { gin.SetMode(gin.TestMode) }

func newPublisher(t *testing.T, window int, log *broker.MemoryLog) *publisher.Publisher {
	t.Helper()
	p, err := publisher.New(publisher.Config{Partitions: testPartitions, Window: window}, log, sequence.NewMemory(), logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPostLocationAccepted(t *testing.T) {
	log := broker.NewMemoryLog(testPartitions)
	s := New(Config{}, newPublisher(t, 16, log), logr.Discard())

	rec := post(t, s.Handler(), "/locations", `{"driverId":"d1","latitude":6.45,"longitude":3.39,"timestamp":"2026-05-01T08:00:00Z"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var got acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := acceptedResponse{DriverID: "d1", Sequence: 1, Partition: hashroute.PartitionFor("d1", testPartitions)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}

	rec = post(t, s.Handler(), "/updateLocation", `{"driverId":"d1","latitude":6.46,"longitude":3.39,"timestamp":1777622460000}`)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"sequence":2`) {
		t.Fatalf("alias: status=%d body=%s", rec.Code, rec.Body)
	}
}

func TestPostLocationKeepsRequestID(t *testing.T) {
	s := New(Config{}, newPublisher(t, 4, broker.NewMemoryLog(testPartitions)), logr.Discard())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get(requestIDHeader) != "abc" {
		t.Fatalf("status=%d id=%q", rec.Code, rec.Header().Get(requestIDHeader))
	}
}

func TestPostLocationBadRequest(t *testing.T) {
	s := New(Config{}, newPublisher(t, 4, broker.NewMemoryLog(testPartitions)), logr.Discard())
	cases := []struct {
		name, body, field string
	}{
		{"malformed json", `{"driverId":`, ""},
		{"missing driver", `{"latitude":1,"longitude":1}`, "driverId"},
		{"missing latitude", `{"driverId":"d1","longitude":1}`, "latitude"},
		{"latitude range", `{"driverId":"d1","latitude":91,"longitude":1}`, "latitude"},
		{"bad timestamp", `{"driverId":"d1","latitude":1,"longitude":1,"timestamp":"yesterday"}`, "timestamp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(t, s.Handler(), "/locations", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
			}
			if tc.field != "" && !strings.Contains(rec.Body.String(), `"field":"`+tc.field+`"`) {
				t.Fatalf("body %s does not name field %s", rec.Body, tc.field)
			}
		})
	}
}

func TestPostLocationBackpressure(t *testing.T) {
	log := broker.NewMemoryLog(testPartitions)
	release := make(chan struct{})
	log.ProduceHook = func(broker.Record) error {
		<-release
		return nil
	}
	defer close(release)
	s := New(Config{RetryAfter: 2 * time.Second}, newPublisher(t, 1, log), logr.Discard())

	if rec := post(t, s.Handler(), "/locations", `{"driverId":"d1","latitude":1,"longitude":1}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := post(t, s.Handler(), "/locations", `{"driverId":"d2","latitude":1,"longitude":1}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, domain.LocationUpdate, ...publisher.Option) (*publisher.Future, error) {
	return nil, f.err
}

func TestPostLocationInternalError(t *testing.T) {
	s := New(Config{}, failingPublisher{err: errors.New("sequence store down")}, logr.Discard())
	rec := post(t, s.Handler(), "/locations", `{"driverId":"d1","latitude":1,"longitude":1}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sequence store") {
		t.Fatalf("internal error leaked: %s", rec.Body)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for _, raw := range []string{`"2026-05-01T08:00:00Z"`, `"2026-05-01T09:00:00+01:00"`, `1777622400000`} {
		got, err := parseTimestamp(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: got %v want %v", raw, got, want)
		}
	}
	if got, err := parseTimestamp(nil); err != nil || !got.IsZero() {
		t.Fatalf("absent timestamp: %v %v", got, err)
	}
	if _, err := parseTimestamp(json.RawMessage(`1.5`)); err == nil {
		t.Fatalf("expected error for fractional millis")
	}
}

type fakeLatest map[string]domain.LocationUpdate

func (f fakeLatest) Latest(_ context.Context, driverID string) (domain.LocationUpdate, bool, error) {
	u, ok := f[driverID]
	return u, ok, nil
}

func TestGetLatest(t *testing.T) {
	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	latest := fakeLatest{"d1": {DriverID: "d1", Latitude: 1, Longitude: 2, Timestamp: ts, Sequence: 7}}
	s := New(Config{}, failingPublisher{}, logr.Discard(), WithLatest(latest))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drivers/d1/location", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got locationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(locationResponse{DriverID: "d1", Latitude: 1, Longitude: 2, Timestamp: ts, Sequence: 7}, got); diff != "" {
		t.Fatalf("latest mismatch (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drivers/d9/location", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown driver status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(Config{}, failingPublisher{}, logr.Discard())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "locstream_") {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := New(Config{ShutdownTimeout: time.Second}, failingPublisher{}, logr.Discard())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}
