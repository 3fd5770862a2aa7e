package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonletto/chatcore/internal/notify"
	"github.com/leonletto/chatcore/internal/scheduler"
	"github.com/leonletto/chatcore/internal/server"
	"github.com/leonletto/chatcore/internal/transport"
	"github.com/leonletto/chatcore/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat daemon",
		Long: `Run the chat daemon: the HTTP API, the WebSocket notification endpoint,
Prometheus metrics, and the scheduler that retries failed channel archives.

Archives interrupted by a previous shutdown are resumed on start.

Examples:
  chatcore serve
  chatcore serve --listen 127.0.0.1:9000 --config /etc/chatcore.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, listen)
		},
	}
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, listen string) error {
	clients := websocket.NewClientRegistry()
	a, err := openApp(ctx, appOptions{sinks: []notify.Sink{clients}})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	if listen == "" {
		listen = a.cfg.Server.ListenAddr
	}
	log := a.logger

	wsServer := websocket.NewServer(clients, wsMethods(a), server.ActorFromRequest, log)
	wsServer.OnConnect(func(ctx context.Context, userID int64) {
		if err := a.presence.Touch(ctx, userID); err != nil {
			log.Debug().Err(err).Int64("user_id", userID).Msg("presence touch failed")
		}
	})

	router := server.NewRouter(server.Deps{
		DB:          a.db,
		Creator:     a.creator,
		Updater:     a.updater,
		Mover:       a.mover,
		Archive:     a.archive,
		Membership:  a.membership,
		Presence:    a.presence,
		RateLimiter: server.NewUserRateLimiter(a.cfg.Server.RateLimit),
		WebSocket:   wsServer,
		Logger:      log,
	})
	srv := server.New(listen, router)

	retry, err := scheduler.New(a.archive, a.cfg.Archive.RetryCron, log)
	if err != nil {
		return err
	}
	go retry.Start(ctx)

	if n, err := a.archive.ResumeInterrupted(ctx); err != nil {
		log.Warn().Err(err).Msg("resume interrupted archives")
	} else if n > 0 {
		log.Info().Int("archives", n).Msg("resumed interrupted archives")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listen).Str("version", Version).Msg("starting chatcore server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	wsServer.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

type channelReadParams struct {
	ChannelID int64 `json:"channel_id"`
	MessageID int64 `json:"message_id"`
}

// wsMethods are the JSON-RPC calls a connected client may make.
func wsMethods(a *app) *websocket.Methods {
	methods := websocket.NewMethods()

	methods.Register("presence.ping", func(ctx context.Context, _ json.RawMessage) (any, error) {
		actor, _ := transport.Actor(ctx)
		if err := a.presence.Touch(ctx, actor); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	methods.Register("channel.read", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p channelReadParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		actor, _ := transport.Actor(ctx)
		updated, f, err := a.membership.MarkRead(ctx, actor, p.ChannelID, p.MessageID)
		if err != nil {
			a.logger.Error().Err(err).Int64("channel_id", p.ChannelID).Msg("mark read failed")
			return nil, errors.New("internal error")
		}
		if f != nil {
			return nil, f
		}
		return map[string]bool{"updated": updated}, nil
	})

	return methods
}
