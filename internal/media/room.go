package media

import "context"

// RoomEvent is reported by a connected room.
type RoomEvent interface {
	roomEvent()
}

type ParticipantConnected struct{ Identity string }
type ParticipantDisconnected struct{ Identity string }
type TrackSubscribed struct{ Track RemoteTrack }
type TrackUnsubscribed struct{ Track RemoteTrack }

// Reconnecting and Reconnected bracket a transient network loss.
type Reconnecting struct{ Err error }
type Reconnected struct{}

// Disconnected ends the room; Err is nil for a normal close.
type Disconnected struct{ Err error }

func (ParticipantConnected) roomEvent()    {}
func (ParticipantDisconnected) roomEvent() {}
func (TrackSubscribed) roomEvent()         {}
func (TrackUnsubscribed) roomEvent()       {}
func (Reconnecting) roomEvent()            {}
func (Reconnected) roomEvent()             {}
func (Disconnected) roomEvent()            {}

// Room is a joined media room.
type Room interface {
	Name() string
	Events() <-chan RoomEvent
	Disconnect()
}

type ConnectOptions struct {
	Identity string
	Room     string
	Token    string
	Tracks   []*LocalTrack
}

// Connector joins rooms. Connect must honor ctx cancellation.
type Connector interface {
	Connect(ctx context.Context, opts ConnectOptions) (Room, error)
}
