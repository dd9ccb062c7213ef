package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"locstream/internal/config"
	"locstream/internal/domain"
	"locstream/internal/hashroute"
)

func init() { gin.SetMode(gin.TestMode) }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.HTTP.Address = "127.0.0.1:0"
	cfg.Broker.Partitions = 4
	cfg.Tracker.Retries = 1
	return cfg
}

func start(t *testing.T, cfg config.Config) *App {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, logr.Discard())
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("run did not stop")
		}
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return a
}

func waitCommitted(t *testing.T, a *App, driver string, seq uint64) {
	t.Helper()
	part := domain.PartitionID(hashroute.PartitionFor(driver, 4))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cp, ok, err := a.Tracker.LastCommitted(context.Background(), part)
		if err != nil {
			t.Fatal(err)
		}
		if ok && cp.Sequences[driver] >= seq {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sequence %d of %s never committed", seq, driver)
}

func postLocation(t *testing.T, a *App, body string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/locations", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.HTTP.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
}

func TestMemoryNodeDeliversEndToEnd(t *testing.T) {
	a := start(t, testConfig(t))
	postLocation(t, a, `{"driverId":"d1","latitude":6.45,"longitude":3.39}`)
	postLocation(t, a, `{"driverId":"d1","latitude":6.46,"longitude":3.39}`)
	waitCommitted(t, a, "d1", 2)
}

func TestSQLiteTrackerAndLatestStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Tracker.Kind = "sqlite"
	cfg.Tracker.SQLite.Dir = t.TempDir()
	cfg.Sequence.Kind = "redis"
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Dispatcher.Handlers = []string{config.HandlerNotification, config.HandlerLatest}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	a := start(t, cfg)

	postLocation(t, a, `{"driverId":"d7","latitude":1.5,"longitude":2.5,"timestamp":"2026-05-01T08:00:00Z"}`)
	waitCommitted(t, a, "d7", 1)

	rec := httptest.NewRecorder()
	a.HTTP.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drivers/d7/location", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"latitude":1.5`) {
		t.Fatalf("latest: status=%d body=%s", rec.Code, rec.Body)
	}
	if got, err := mr.Get("locstream:seq:d7"); err != nil || got != "1" {
		t.Fatalf("redis sequence = %q, %v", got, err)
	}
}

func TestNewFailsWhenRedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sequence.Kind = "redis"
	cfg.Redis.URL = "redis://127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := New(ctx, cfg, logr.Discard()); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}
