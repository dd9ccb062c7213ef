package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"locstream/internal/codec"
	"locstream/internal/domain"
	"locstream/internal/metrics"
	"locstream/internal/publisher"
)

type locationRequest struct {
	DriverID  string          `json:"driverId"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type acceptedResponse struct {
	DriverID  string `json:"driverId"`
	Sequence  uint64 `json:"sequence"`
	Partition uint32 `json:"partition"`
}

type locationResponse struct {
	DriverID  string    `json:"driverId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// parseTimestamp accepts an RFC 3339 string or epoch milliseconds. An
// absent timestamp is left zero and filled in by the publisher.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (r locationRequest) toUpdate() (domain.LocationUpdate, error) {
	if r.Latitude == nil {
		return domain.LocationUpdate{}, &codec.InvalidFieldError{Field: "latitude", Reason: "required"}
	}
	if r.Longitude == nil {
		return domain.LocationUpdate{}, &codec.InvalidFieldError{Field: "longitude", Reason: "required"}
	}
	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return domain.LocationUpdate{}, &codec.InvalidFieldError{Field: "timestamp", Reason: "want RFC 3339 or epoch milliseconds"}
	}
	return domain.LocationUpdate{
		DriverID:  r.DriverID,
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Timestamp: ts,
	}, nil
}

func (s *Server) postLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.reply(c, http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	u, err := req.toUpdate()
	if err != nil {
		s.fail(c, err)
		return
	}
	f, err := s.pub.Publish(c.Request.Context(), u, publisher.NonBlocking())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.reply(c, http.StatusAccepted, acceptedResponse{
		DriverID:  u.DriverID,
		Sequence:  f.Sequence(),
		Partition: uint32(f.Partition()),
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	var fe *codec.InvalidFieldError
	switch {
	case errors.As(err, &fe):
		s.reply(c, http.StatusBadRequest, gin.H{"error": err.Error(), "field": fe.Field})
	case errors.Is(err, publisher.ErrBackpressure), errors.Is(err, publisher.ErrClosed):
		c.Header("Retry-After", strconv.Itoa(int(s.cfg.RetryAfter.Round(time.Second)/time.Second)))
		s.reply(c, http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		id, _ := c.Get("requestID")
		s.log.Error(err, "publish failed", "request", id)
		s.reply(c, http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) reply(c *gin.Context, status int, body any) {
	metrics.IngressRequestsTotal.WithLabelValues("http", strconv.Itoa(status)).Inc()
	c.JSON(status, body)
}

func (s *Server) getLatest(c *gin.Context) {
	u, ok, err := s.latest.Latest(c.Request.Context(), c.Param("driverId"))
	if err != nil {
		s.log.Error(err, "latest location lookup failed", "driver", c.Param("driverId"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no location for driver"})
		return
	}
	c.JSON(http.StatusOK, locationResponse{
		DriverID:  u.DriverID,
		Latitude:  u.Latitude,
		Longitude: u.Longitude,
		Timestamp: u.Timestamp,
		Sequence:  u.Sequence,
	})
}
