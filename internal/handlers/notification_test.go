package handlers

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/funcr"

	"locstream/internal/domain"
)

func TestNotificationLogsUpdate(t *testing.T) {
	var lines []string
	log := funcr.New(func(prefix, args string) { lines = append(lines, prefix+" "+args) }, funcr.Options{})
	n := NewNotification(log)
	u := domain.LocationUpdate{DriverID: "d1", Latitude: 1, Longitude: 2, Timestamp: time.Unix(0, 0).UTC(), Sequence: 4}
	if err := n.Handle(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("lines = %v", lines)
	}
	for _, want := range []string{"notification", `"driver"="d1"`, `"sequence"=4`} {
		if !strings.Contains(lines[0], want) {
			t.Fatalf("log line %q missing %s", lines[0], want)
		}
	}
}
