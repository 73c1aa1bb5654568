package media

import "sync"

// Sink renders tracks. Local tracks are always attached muted so the user
// never hears themselves; remote tracks are never muted.
type Sink interface {
	AttachLocal(t *LocalTrack)
	AttachRemote(t RemoteTrack)
	Detach(trackID string)
}

type Attachment struct {
	TrackID     string
	Kind        Kind
	Participant string
	Local       bool
	Muted       bool
}

// MemorySink keeps attachments in memory.
type MemorySink struct {
	mu       sync.Mutex
	attached map[string]Attachment
	history  []string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{attached: make(map[string]Attachment)}
}

func (s *MemorySink) AttachLocal(t *LocalTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[t.ID()] = Attachment{TrackID: t.ID(), Kind: t.Kind(), Local: true, Muted: true}
	s.history = append(s.history, "attach-local:"+string(t.Kind()))
}

func (s *MemorySink) AttachRemote(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[t.ID] = Attachment{TrackID: t.ID, Kind: t.Kind, Participant: t.Participant}
	s.history = append(s.history, "attach-remote:"+string(t.Kind))
}

func (s *MemorySink) Detach(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attached[trackID]
	if !ok {
		return
	}
	delete(s.attached, trackID)
	side := "remote"
	if a.Local {
		side = "local"
	}
	s.history = append(s.history, "detach-"+side+":"+string(a.Kind))
}

// Attached returns the current attachments.
func (s *MemorySink) Attached() []Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attachment, 0, len(s.attached))
	for _, a := range s.attached {
		out = append(out, a)
	}
	return out
}

// History returns every attach/detach in order.
func (s *MemorySink) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}
