package device

import (
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/lidarhost/internal/lidar"
)

// Router fans point-cloud and IMU datagrams out to user-installed sinks.
// Payloads are forwarded opaquely, tagged with the device handle and
// family. Point-cloud traffic additionally feeds any number of observers,
// each addressable by the ID returned at registration.
type Router struct {
	mu        sync.RWMutex
	pointCbs  map[lidar.DeviceType]lidar.DataFunc
	imuCbs    map[lidar.DeviceType]lidar.DataFunc
	observers map[string]lidar.DataFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		pointCbs:  make(map[lidar.DeviceType]lidar.DataFunc),
		imuCbs:    make(map[lidar.DeviceType]lidar.DataFunc),
		observers: make(map[string]lidar.DataFunc),
	}
}

// SetPointCloudCallback installs the point-cloud sink for one family.
func (r *Router) SetPointCloudCallback(devType lidar.DeviceType, cb lidar.DataFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pointCbs[devType] = cb
}

// SetIMUCallback installs the IMU sink for one family.
func (r *Router) SetIMUCallback(devType lidar.DeviceType, cb lidar.DataFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imuCbs[devType] = cb
}

// AddPointCloudObserver registers an additional point-cloud sink and
// returns the ID to remove it with.
func (r *Router) AddPointCloudObserver(cb lidar.DataFunc) string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[id] = cb
	return id
}

// RemovePointCloudObserver removes a previously registered observer.
func (r *Router) RemovePointCloudObserver(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, id)
}

// DispatchPointCloud forwards one point-cloud datagram.
func (r *Router) DispatchPointCloud(handle lidar.Handle, devType lidar.DeviceType, payload []byte) {
	r.mu.RLock()
	cb := r.pointCbs[devType]
	obs := make([]lidar.DataFunc, 0, len(r.observers))
	for _, o := range r.observers {
		obs = append(obs, o)
	}
	r.mu.RUnlock()

	if cb != nil {
		cb(handle, devType, payload)
	}
	for _, o := range obs {
		o(handle, devType, payload)
	}
}

// DispatchIMU forwards one IMU datagram.
func (r *Router) DispatchIMU(handle lidar.Handle, devType lidar.DeviceType, payload []byte) {
	r.mu.RLock()
	cb := r.imuCbs[devType]
	r.mu.RUnlock()

	if cb != nil {
		cb(handle, devType, payload)
	}
}
