package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/events"
	"marketplace-calls/internal/transport"

	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <email>",
		Short: "Print call events pushed to an email until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientConfig()
			if err != nil {
				return err
			}
			if cfg.PushURL == "" {
				return errors.New("watch needs a push URL (--push or CALL_PUSH_URL)")
			}
			log := cliLogger(cfg.Env)
			out := cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tc := transport.NewClient(&transport.WebSocketDialer{URL: cfg.PushURL, Log: log}, cfg.ReconnectDelay, log)
			tc.OnStateChange(func(st transport.State) { fmt.Fprintf(out, "connection %s\n", st) })

			ch := tc.Subscribe(calls.Channel(args[0]))
			for _, name := range events.Names {
				ch.Bind(name, func(msg transport.Message) {
					ev, err := events.Decode(msg.Event, msg.Data)
					if err != nil {
						fmt.Fprintf(out, "%s (undecodable: %v)\n", msg.Event, err)
						return
					}
					fmt.Fprintf(out, "%s room=%s %s\n", ev.Name(), ev.Room(), msg.Data)
				})
			}

			err = tc.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
