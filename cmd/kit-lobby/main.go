// Command kit-lobby runs a chat lobby over websockets. Members are announced when they join or leave, and are
// dropped after a period without activity.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/kit/app"
	"pkg.world.dev/world-engine/kit/auth"
	"pkg.world.dev/world-engine/kit/config"
	"pkg.world.dev/world-engine/kit/ws"
)

const defaultIdleTimeout = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg(eris.ToString(err, true))
	}
}

func run() error {
	flags := pflag.NewFlagSet("kit-lobby", pflag.ExitOnError)
	config.AddFlags(flags)
	idleTimeout := flags.Duration("idle-timeout", defaultIdleTimeout, "drop members after this long without activity")
	userHeader := flags.String("user-header", "", "trust the user id in this request header, anonymous when empty")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return eris.Wrap(err, "failed to parse flags")
	}

	v := config.New()
	if err := config.BindFlags(v, flags); err != nil {
		return err
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return err
	}

	authn := auth.Anonymous
	if *userHeader != "" {
		authn = auth.HeaderAuthenticator(*userHeader)
	}
	wsLogger := zerolog.New(os.Stdout).Level(cfg.Level()).With().Timestamp().Str("component", "ws").Logger()
	srv := ws.New[Action, Event, ActionError](networkError,
		ws.WithAuthenticator(authn),
		ws.WithLogger(wsLogger),
	)

	a, err := app.New(
		app.WithConfig(cfg),
		app.WithConnsBridge[Action, Event, ActionError](srv.Conns()),
		app.WithPlugin(newLobby(*idleTimeout)),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(cfg.WebsocketAddress)
	})
	g.Go(func() error {
		// The server stops with the app, whatever the reason.
		defer func() {
			if err := srv.Shutdown(); err != nil {
				a.Logger().Warn().Err(err).Msg("failed to shut down websocket server")
			}
		}()
		return a.Run(ctx)
	})
	return g.Wait()
}
