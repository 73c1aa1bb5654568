package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"marketplace-calls/internal/backend"
	"marketplace-calls/internal/bus"
	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/callstate"
	"marketplace-calls/internal/config"
	"marketplace-calls/internal/credential"
	"marketplace-calls/internal/lifecycle"
	"marketplace-calls/internal/media"
	"marketplace-calls/internal/phone"
	"marketplace-calls/internal/transport"

	"github.com/spf13/cobra"
)

type demoOptions struct {
	Caller string
	Callee string
	Type   calls.Type
	Hold   time.Duration
	Local  bool
	// Timeout bounds each wait for the other side.
	Timeout time.Duration
}

func demoCmd() *cobra.Command {
	var (
		opts demoOptions
		typ  string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Place a call between two in-process phones and hang up",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := calls.ParseType(typ)
			if err != nil {
				return err
			}
			opts.Type = t
			return runDemo(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Caller, "caller", "alice@example.com", "Caller email")
	cmd.Flags().StringVar(&opts.Callee, "callee", "bob@example.com", "Callee email")
	cmd.Flags().StringVar(&typ, "type", string(calls.TypeVideo), "Call type: video or voice")
	cmd.Flags().DurationVar(&opts.Hold, "hold", 2*time.Second, "How long to stay connected before hanging up")
	cmd.Flags().BoolVar(&opts.Local, "local", false, "Run against an in-process backend instead of --api/--push")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "Max wait for each step")
	return cmd
}

func runDemo(ctx context.Context, w io.Writer, opts demoOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	out := &lockedWriter{w: w}

	var (
		cfg config.ClientConfig
		lb  *localBackend
		err error
	)
	if opts.Local {
		cfg = config.ClientConfig{}
		log := cliLogger("local")
		lb, err = startLocal(log)
		if err != nil {
			return err
		}
		defer lb.Close()
		cfg.APIBaseURL, cfg.PushURL = lb.APIURL, lb.PushURL
		cfg.ReconnectDelay = 200 * time.Millisecond
		if err := cfg.Validate(); err != nil {
			return err
		}
	} else {
		cfg, err = clientConfig()
		if err != nil {
			return err
		}
		if cfg.PushURL == "" {
			return errors.New("demo needs a push URL (--push or CALL_PUSH_URL), or use --local")
		}
	}
	log := cliLogger(cfg.Env)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sw := media.NewSwitch(log)
	if lb != nil {
		sw.Verify = func(token, identity, room string) error {
			return lb.Tokens.VerifyRoom(token, identity, room, time.Now())
		}
	}

	caller, err := startPhone(ctx, cfg, opts.Caller, sw, log)
	if err != nil {
		return err
	}
	defer caller.Close()
	callee, err := startPhone(ctx, cfg, opts.Callee, sw, log)
	if err != nil {
		return err
	}
	defer callee.Close()

	var (
		printers     sync.WaitGroup
		unsubscribes []func()
	)
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
		printers.Wait()
	}()
	for _, p := range []*phone.Phone{caller, callee} {
		evs, unsubscribe := p.Bus().Subscribe(bus.DefaultBuffer)
		unsubscribes = append(unsubscribes, unsubscribe)
		printers.Add(1)
		go func(name string) {
			defer printers.Done()
			for ev := range evs {
				if line := describe(ev); line != "" {
					fmt.Fprintf(out, "[%s] %s\n", name, line)
				}
			}
		}(p.Self())
	}

	if lb != nil {
		for _, who := range []string{opts.Caller, opts.Callee} {
			ch := calls.Channel(who)
			if err := waitUntil(ctx, opts.Timeout, "subscription "+ch, func() bool { return lb.Hub.Subscribers(ch) > 0 }); err != nil {
				return err
			}
		}
	} else if !sleepCtx(ctx, 500*time.Millisecond) {
		return ctx.Err()
	}

	s, err := caller.Call(ctx, opts.Callee, opts.Type)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "calling %s in room %s\n", opts.Callee, s.RoomName)

	if err := waitUntil(ctx, opts.Timeout, "incoming call", func() bool {
		in := callee.State().Incoming
		return in != nil && in.RoomName == s.RoomName
	}); err != nil {
		return err
	}
	if _, err := callee.Accept(ctx); err != nil {
		return err
	}

	if err := waitUntil(ctx, opts.Timeout, "media on both sides", func() bool {
		return bothConnected(caller) && bothConnected(callee)
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "connected; holding for %s\n", opts.Hold)
	if !sleepCtx(ctx, opts.Hold) {
		return ctx.Err()
	}

	if err := caller.End(ctx); err != nil {
		return err
	}
	if err := waitUntil(ctx, opts.Timeout, "both phones idle", func() bool {
		return caller.State().Phase() == callstate.PhaseNoCall && callee.State().Phase() == callstate.PhaseNoCall
	}); err != nil {
		return err
	}

	recs, err := backend.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout).History(ctx, opts.Caller)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "history for", opts.Caller)
	printRecords(out, recs)
	return nil
}

// startPhone wires one phone against the backend at cfg and waits for its
// push connection.
func startPhone(ctx context.Context, cfg config.ClientConfig, self string, sw *media.Switch, log *slog.Logger) (*phone.Phone, error) {
	be := backend.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout)
	creds := credential.NewProvider(be, credential.NewCache(cfg.CredentialTTL, nil), log)
	lc := lifecycle.NewClient(be, creds, log, lifecycle.WithRooms(be))

	tc := transport.NewClient(&transport.WebSocketDialer{URL: cfg.PushURL, Log: log}, cfg.ReconnectDelay, log)
	go func() { _ = tc.Run(ctx) }()

	p := phone.New(phone.Config{
		Self:         self,
		Lifecycle:    lc,
		Transport:    tc,
		Credentials:  creds,
		Tracks:       &media.TrackFactory{},
		Connector:    sw,
		Sink:         media.NewMemorySink(),
		Log:          log,
		RingTimeout:  cfg.RingTimeout,
		JoinAttempts: cfg.JoinAttempts,
		RetryDelay:   cfg.JoinRetryDelay,
	})

	waitCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	defer cancel()
	if err := tc.WaitFor(waitCtx, transport.StateConnected); err != nil {
		p.Close()
		return nil, fmt.Errorf("%s: %w", self, err)
	}
	return p, nil
}

func bothConnected(p *phone.Phone) bool {
	m := p.Media()
	return m != nil && m.BothConnected()
}

func describe(ev bus.Event) string {
	switch e := ev.(type) {
	case callstate.Changed:
		line := fmt.Sprintf("call %s -> %s (%s)", e.Prev.Phase(), e.Next.Phase(), e.Cause)
		if e.Event != "" {
			line += " on " + e.Event
		}
		if e.Err != nil {
			line += ": " + e.Err.Error()
		}
		return line
	case media.Update:
		if e.Attempt > 0 && e.Prev == e.Phase {
			return fmt.Sprintf("media join attempt %d", e.Attempt)
		}
		line := fmt.Sprintf("media %s -> %s", e.Prev, e.Phase)
		if e.BothConnected {
			line += " (both connected)"
		}
		if e.Err != nil {
			line += ": " + e.Err.Error()
		}
		return line
	}
	return ""
}

func waitUntil(ctx context.Context, timeout time.Duration, what string, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
