package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [namespace...]",
		Short: "Stream daemon events until interrupted",
		Long: `Stream daemon events. Namespaces are prefixes such as "chat.",
"message.", "session." or "transport."; none selects all of them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			events, err := c.Watch(ctx, args...)
			if err != nil {
				return err
			}
			for {
				env, err := events.Recv()
				if err != nil {
					if ctx.Err() != nil || status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				if jsonOut {
					outputJSON(env)
					continue
				}
				fmt.Printf("%s %-28s %v\n", when(env, "at").Local().Format(time.TimeOnly), field(env, "kind"), env["payload"])
			}
		},
	}
}
