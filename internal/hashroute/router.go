package hashroute

import (
	"sync"
	"time"

	"locstream/internal/domain"
)

// Route pins a driver to a partition and remembers the newest accepted
// report timestamp.
type Route struct {
	DriverID      string
	PartitionID   domain.PartitionID
	FirstSeenUTC  time.Time
	LastTimestamp time.Time
}

type Router struct {
	partitions uint32

	mu     sync.RWMutex
	routes map[string]Route
}

func NewRouter(partitions uint32) *Router {
	if partitions == 0 {
		partitions = DefaultPartitionCount
	}
	return &Router{partitions: partitions, routes: make(map[string]Route)}
}

func (r *Router) Partitions() uint32 { return r.partitions }

func (r *Router) GetRoute(driverID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[driverID]
	return route, ok
}

// Advance records ts as the driver's newest timestamp. It returns false and
// leaves the route untouched when ts is older than the recorded one.
func (r *Router) Advance(driverID string, ts time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[driverID]
	if !ok {
		route = Route{
			DriverID:     driverID,
			PartitionID:  domain.PartitionID(PartitionFor(driverID, r.partitions)),
			FirstSeenUTC: time.Now().UTC(),
		}
	}
	if !route.LastTimestamp.IsZero() && ts.Before(route.LastTimestamp) {
		return false
	}
	route.LastTimestamp = ts
	r.routes[driverID] = route
	return true
}
