package codec

import (
	"errors"
	"math"
	"strings"
	"time"

	"locstream/internal/domain"
)

// Version is the leading byte of every encoded update.
const Version byte = 0x01

const (
	minLatitude  = -90.0
	maxLatitude  = 90.0
	minLongitude = -180.0
	maxLongitude = 180.0
)

// Validate checks the fields of an update without looking at its sequence.
func Validate(u domain.LocationUpdate) error {
	if strings.TrimSpace(u.DriverID) == "" {
		return &InvalidFieldError{Field: "driverId", Reason: "must not be empty"}
	}
	if err := checkCoordinate("latitude", u.Latitude, minLatitude, maxLatitude); err != nil {
		return err
	}
	if err := checkCoordinate("longitude", u.Longitude, minLongitude, maxLongitude); err != nil {
		return err
	}
	if u.Timestamp.IsZero() {
		return &InvalidFieldError{Field: "timestamp", Reason: "must be set"}
	}
	if ns := u.Timestamp.UnixNano(); !time.Unix(0, ns).Equal(u.Timestamp) {
		return &InvalidFieldError{Field: "timestamp", Reason: "outside the nanosecond epoch range"}
	}
	return nil
}

func checkCoordinate(field string, v, lo, hi float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &InvalidFieldError{Field: field, Reason: "must be a finite number"}
	}
	if v < lo || v > hi {
		return &InvalidFieldError{Field: field, Reason: "out of range"}
	}
	return nil
}

// Encode serializes an update into the binary wire format.
func Encode(u domain.LocationUpdate) ([]byte, error) {
	if err := Validate(u); err != nil {
		return nil, err
	}
	if u.Sequence == 0 {
		return nil, &InvalidFieldError{Field: "sequence", Reason: "must be assigned before encoding"}
	}
	ns := u.Timestamp.UnixNano()
	w := &locationUpdateWire{
		DriverId:        &u.DriverID,
		Latitude:        &u.Latitude,
		Longitude:       &u.Longitude,
		TimestampUnixNs: &ns,
		Sequence:        &u.Sequence,
	}
	body, err := marshalWire(w)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, Version)
	return append(out, body...), nil
}

// Decode parses the binary wire format. Errors are *CorruptPayloadError or
// *SchemaMismatchError.
func Decode(payload []byte) (domain.LocationUpdate, error) {
	if len(payload) == 0 {
		return domain.LocationUpdate{}, &CorruptPayloadError{Reason: "empty payload"}
	}
	if payload[0] != Version {
		return domain.LocationUpdate{}, &CorruptPayloadError{Reason: "unknown version byte"}
	}
	w, err := unmarshalWire(payload[1:])
	if err != nil {
		return domain.LocationUpdate{}, &CorruptPayloadError{Reason: "malformed body", Err: err}
	}
	switch {
	case w.DriverId == nil:
		return domain.LocationUpdate{}, &SchemaMismatchError{Field: "driverId", Reason: "missing"}
	case w.Latitude == nil:
		return domain.LocationUpdate{}, &SchemaMismatchError{Field: "latitude", Reason: "missing"}
	case w.Longitude == nil:
		return domain.LocationUpdate{}, &SchemaMismatchError{Field: "longitude", Reason: "missing"}
	case w.TimestampUnixNs == nil:
		return domain.LocationUpdate{}, &SchemaMismatchError{Field: "timestamp", Reason: "missing"}
	case w.Sequence == nil || *w.Sequence == 0:
		return domain.LocationUpdate{}, &SchemaMismatchError{Field: "sequence", Reason: "missing"}
	}
	u := domain.LocationUpdate{
		DriverID:  *w.DriverId,
		Latitude:  *w.Latitude,
		Longitude: *w.Longitude,
		Timestamp: time.Unix(0, *w.TimestampUnixNs).UTC(),
		Sequence:  *w.Sequence,
	}
	if err := Validate(u); err != nil {
		var fe *InvalidFieldError
		if errors.As(err, &fe) {
			return domain.LocationUpdate{}, &SchemaMismatchError{Field: fe.Field, Reason: fe.Reason}
		}
		return domain.LocationUpdate{}, err
	}
	return u, nil
}

// IsDecodeError reports whether err came from Decode.
func IsDecodeError(err error) bool {
	var ce *CorruptPayloadError
	var se *SchemaMismatchError
	return errors.As(err, &ce) || errors.As(err, &se)
}

// ErrorKind labels a codec error for metrics.
func ErrorKind(err error) string {
	var ce *CorruptPayloadError
	var se *SchemaMismatchError
	var fe *InvalidFieldError
	switch {
	case errors.As(err, &ce):
		return "corrupt_payload"
	case errors.As(err, &se):
		return "schema_mismatch"
	case errors.As(err, &fe):
		return "invalid_field"
	default:
		return "other"
	}
}
