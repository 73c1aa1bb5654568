// Package phone assembles one user's calling stack: the push channel, the
// call state machine and a media session per active call, coordinated over a
// single event bus.
package phone

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"marketplace-calls/internal/bus"
	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/callstate"
	"marketplace-calls/internal/media"
	"marketplace-calls/internal/metrics"
	"marketplace-calls/internal/transport"
)

const busBuffer = 256

var ErrMediaEnded = errors.New("phone: media session ended")

type Config struct {
	Self      string
	Lifecycle callstate.Lifecycle
	// Transport delivers call events; nil means events are fed through Machine().HandleEvent.
	Transport   *transport.Client
	Credentials media.Credentials
	Tracks      media.TrackSource
	Connector   media.Connector
	Sink        media.Sink
	Navigator   callstate.Navigator
	Metrics     *metrics.Metrics
	Log         *slog.Logger

	RingTimeout  time.Duration
	JoinAttempts int
	RetryDelay   time.Duration
	Clock        func() time.Time
}

type Phone struct {
	cfg     Config
	log     *slog.Logger
	bus     *bus.Bus
	machine *callstate.Machine

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	media      *media.Controller
	mediaRoom  string
	last       *media.Controller
	lastRoom   string
	prefetched map[string]string
	closed     bool

	events      <-chan bus.Event
	unsubscribe func()
	detach      func()
	stopWatch   func()
	loopDone    chan struct{}
	closeOnce   sync.Once
}

func New(cfg Config) *Phone {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Phone{
		cfg:        cfg,
		log:        cfg.Log.With("component", "phone", "identity", cfg.Self),
		bus:        bus.New(cfg.Log),
		ctx:        ctx,
		cancel:     cancel,
		prefetched: make(map[string]string),
		loopDone:   make(chan struct{}),
	}
	p.machine = callstate.NewMachine(cfg.Lifecycle, callstate.Config{
		Self:        cfg.Self,
		RingTimeout: cfg.RingTimeout,
		Navigator:   cfg.Navigator,
		Bus:         p.bus,
		Log:         cfg.Log,
		Duration:    p.duration,
	})
	p.events, p.unsubscribe = p.bus.Subscribe(busBuffer)

	if cfg.Transport != nil {
		p.detach = p.machine.Attach(cfg.Transport)
		p.stopWatch = cfg.Transport.OnStateChange(func(st transport.State) {
			p.log.Info("push connection", "state", st)
			if cfg.Metrics != nil {
				cfg.Metrics.PushStates.WithLabelValues(string(st)).Inc()
			}
		})
	}

	go p.loop()
	return p
}

func (p *Phone) Self() string                { return p.cfg.Self }
func (p *Phone) Bus() *bus.Bus               { return p.bus }
func (p *Phone) Machine() *callstate.Machine { return p.machine }
func (p *Phone) State() callstate.State      { return p.machine.Snapshot() }

// Call places an outgoing call. Media starts once the callee accepts.
func (p *Phone) Call(ctx context.Context, callee string, typ calls.Type) (calls.Session, error) {
	return p.machine.Initiate(ctx, callee, typ)
}

func (p *Phone) Accept(ctx context.Context) (calls.Session, error) {
	return p.machine.Accept(ctx)
}

func (p *Phone) Decline(ctx context.Context) error {
	return p.machine.Decline(ctx)
}

func (p *Phone) End(ctx context.Context) error {
	return p.machine.End(ctx)
}

// Media returns the controller of the current call, if any.
func (p *Phone) Media() *media.Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media
}

// ToggleAudio reports the new enabled state; false without an active session.
func (p *Phone) ToggleAudio() bool {
	if c := p.Media(); c != nil {
		return c.ToggleAudio()
	}
	return false
}

func (p *Phone) ToggleVideo() bool {
	if c := p.Media(); c != nil {
		return c.ToggleVideo()
	}
	return false
}

// Close ends or declines whatever call is in progress, releases media and
// stops listening for call events.
func (p *Phone) Close() {
	p.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.machine.End(ctx); err != nil {
			p.log.Warn("end on close", "err", err)
		}
		p.machine.Close()
		if p.detach != nil {
			p.detach()
		}
		if p.stopWatch != nil {
			p.stopWatch()
		}

		p.mu.Lock()
		p.closed = true
		cur, last := p.media, p.last
		p.media, p.mediaRoom = nil, ""
		p.mu.Unlock()
		for _, c := range []*media.Controller{cur, last} {
			if c != nil {
				c.Stop()
			}
		}

		p.cancel()
		<-p.loopDone
		p.unsubscribe()
		p.bus.Close()
	})
}

func (p *Phone) loop() {
	defer close(p.loopDone)
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			p.handle(ev)
		}
	}
}

func (p *Phone) handle(ev bus.Event) {
	switch ev := ev.(type) {
	case callstate.Changed:
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.CallTransitions.WithLabelValues(string(ev.Cause), string(ev.Next.Phase())).Inc()
		}
		p.reconcile()

	case media.Update:
		if m := p.cfg.Metrics; m != nil {
			if ev.Prev == ev.Phase && ev.Attempt > 0 {
				m.MediaJoins.Inc()
			} else {
				m.MediaPhases.WithLabelValues(string(ev.Phase)).Inc()
			}
		}
		if ev.Phase.Terminal() {
			p.mediaEnded(ev)
		}
	}
}

// reconcile brings media in line with the machine's current call: a session
// runs only while the call is active. It works from a snapshot, so a missed
// notice is repaired by the next one.
func (p *Phone) reconcile() {
	st := p.machine.Snapshot()

	if in := st.Incoming; in != nil {
		p.prefetch(*in)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var stale *media.Controller
	if p.media != nil && (st.Current == nil || st.Current.RoomName != p.mediaRoom) {
		stale = p.media
		p.last, p.lastRoom = p.media, p.mediaRoom
		p.media, p.mediaRoom = nil, ""
	}
	var start *media.Controller
	if cur := st.Current; cur != nil && st.Phase() == callstate.PhaseActive && p.media == nil && cur.RoomName != p.lastRoom {
		s := *cur
		if s.TokenFor(p.cfg.Self) == "" {
			if tok, ok := p.prefetched[s.RoomName]; ok {
				if s.IsCaller(p.cfg.Self) {
					s.CallerToken = tok
				} else {
					s.CalleeToken = tok
				}
			}
		}
		start = p.newController(s)
		p.media, p.mediaRoom = start, s.RoomName
	}
	for room := range p.prefetched {
		if !st.Has(room) {
			delete(p.prefetched, room)
		}
	}
	p.mu.Unlock()

	if stale != nil {
		p.log.Info("call cleared, stopping media")
		stale.Stop()
	}
	if start != nil {
		if err := start.Start(p.ctx); err != nil {
			p.log.Error("media start failed", "err", err)
		}
	}
}

func (p *Phone) newController(s calls.Session) *media.Controller {
	return media.NewController(media.Config{
		Self:         p.cfg.Self,
		Session:      s,
		Tracks:       p.cfg.Tracks,
		Connector:    p.cfg.Connector,
		Credentials:  p.cfg.Credentials,
		Sink:         p.cfg.Sink,
		Bus:          p.bus,
		Log:          p.cfg.Log,
		JoinAttempts: p.cfg.JoinAttempts,
		RetryDelay:   p.cfg.RetryDelay,
		Clock:        p.cfg.Clock,
	})
}

// prefetch warms the callee's credential while the phone rings.
func (p *Phone) prefetch(s calls.Session) {
	if p.cfg.Credentials == nil || s.TokenFor(p.cfg.Self) != "" {
		return
	}
	p.mu.Lock()
	if _, ok := p.prefetched[s.RoomName]; ok {
		p.mu.Unlock()
		return
	}
	p.prefetched[s.RoomName] = ""
	p.mu.Unlock()

	go func() {
		tok, err := p.cfg.Credentials.GetCredential(p.ctx, p.cfg.Self, s.RoomName)
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.log.Warn("credential prefetch failed", "room", s.RoomName, "err", err)
			delete(p.prefetched, s.RoomName)
			return
		}
		if _, waiting := p.prefetched[s.RoomName]; waiting {
			p.prefetched[s.RoomName] = tok
		}
	}()
}

// mediaEnded ends the call when its media session stops on its own.
func (p *Phone) mediaEnded(u media.Update) {
	p.mu.Lock()
	own := p.media != nil && p.mediaRoom == u.Room
	p.mu.Unlock()
	if !own {
		return
	}
	reason := u.Err
	if reason == nil {
		reason = ErrMediaEnded
	}
	p.log.Warn("media session over, ending call", "room", u.Room, "phase", u.Phase, "err", u.Err)
	go func() {
		if err := p.machine.Abort(p.ctx, reason); err != nil {
			p.log.Warn("abort after media end", "err", err)
		}
	}()
}

// duration reports the connected time of room's media session.
func (p *Phone) duration(room string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.media != nil && p.mediaRoom == room:
		return p.media.Duration()
	case p.last != nil && p.lastRoom == room:
		return p.last.Duration()
	}
	return 0
}
