package httpapi

import (
	"errors"
	"sync"
	"time"

	"marketplace-calls/internal/metrics"
)

var ErrRoomNotFound = errors.New("httpapi: room not found")

const (
	RoomInProgress = "in-progress"
	RoomCompleted  = "completed"
)

type Room struct {
	UniqueName string     `json:"uniqueName"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// Rooms is the backend's registry of media rooms. Create is idempotent, and
// ending a room twice returns the completed room.
type Rooms struct {
	clock   func() time.Time
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRooms(m *metrics.Metrics) *Rooms {
	return &Rooms{clock: time.Now, metrics: m, rooms: make(map[string]*Room)}
}

func (r *Rooms) Create(name string) (Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[name]; ok {
		return *room, false
	}
	room := &Room{UniqueName: name, Status: RoomInProgress, CreatedAt: r.clock().UTC()}
	r.rooms[name] = room
	r.gauge(1)
	return *room, true
}

func (r *Rooms) End(name string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	if room.Status != RoomCompleted {
		now := r.clock().UTC()
		room.Status = RoomCompleted
		room.EndedAt = &now
		r.gauge(-1)
	}
	return *room, nil
}

func (r *Rooms) Get(name string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return *room, nil
}

func (r *Rooms) gauge(delta float64) {
	if r.metrics != nil {
		r.metrics.ActiveRooms.Add(delta)
	}
}
