package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"marketplace-calls/internal/auth"
	"marketplace-calls/internal/config"
	"marketplace-calls/internal/httpapi"
	"marketplace-calls/internal/metrics"
	"marketplace-calls/internal/notify"
	"marketplace-calls/internal/push"
	"marketplace-calls/internal/records"
	"marketplace-calls/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const localAppKey = "calls"

// localBackend is a complete call backend on a loopback port with in-memory
// storage and broker.
type localBackend struct {
	APIURL  string
	PushURL string
	Tokens  *auth.Manager
	Hub     *transport.Hub

	srv  *http.Server
	done chan struct{}
}

func startLocal(log *slog.Logger) (*localBackend, error) {
	tokens, err := auth.NewManager(config.VideoConfig{
		AccountSID: "AC-local",
		APIKey:     "SK-local",
		APISecret:  uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New(false)
	hub := transport.NewHub(log)
	gin.SetMode(gin.ReleaseMode)
	r := httpapi.NewRouter(httpapi.RouterDeps{
		Handlers: httpapi.Handlers{
			Notify: notify.NewService(records.NewMemoryRepo(), &notify.ChannelPublisher{Pub: hub}, m, log),
			Tokens: tokens,
			Rooms:  httpapi.NewRooms(m),
		},
		Push:    push.NewGateway(localAppKey, hub, m, log),
		Metrics: m,
		Log:     log,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("local backend: %w", err)
	}
	addr := ln.Addr().String()
	lb := &localBackend{
		APIURL:  "http://" + addr,
		PushURL: "ws://" + addr + "/app/" + localAppKey,
		Tokens:  tokens,
		Hub:     hub,
		srv:     &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second},
		done:    make(chan struct{}),
	}
	go func() {
		defer close(lb.done)
		if err := lb.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("local backend stopped", "err", err)
		}
	}()
	log.Info("local backend listening", "addr", addr)
	return lb, nil
}

// Close shuts the server down. Hijacked push sockets are closed with the hub.
func (lb *localBackend) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lb.Hub.Drop()
	_ = lb.srv.Shutdown(ctx)
	<-lb.done
}
