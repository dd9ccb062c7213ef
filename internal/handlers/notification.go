package handlers

import (
	"context"

	"github.com/go-logr/logr"

	"locstream/internal/domain"
)

// Notification writes one structured log line per delivered update.
type Notification struct {
	log logr.Logger
}

func NewNotification(log logr.Logger) *Notification {
	return &Notification{log: log.WithName("notification")}
}

func (n *Notification) Handle(_ context.Context, u domain.LocationUpdate) error {
	n.log.Info("driver location",
		"driver", u.DriverID,
		"sequence", u.Sequence,
		"latitude", u.Latitude,
		"longitude", u.Longitude,
		"timestamp", u.Timestamp)
	return nil
}
