package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreos-dash/coreos-client/internal/chat"
	"github.com/coreos-dash/coreos-client/internal/config"
	"github.com/coreos-dash/coreos-client/internal/connection"
	"github.com/coreos-dash/coreos-client/internal/model"
	"github.com/coreos-dash/coreos-client/internal/router"
	"github.com/coreos-dash/coreos-client/internal/version"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var noInput bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the realtime endpoint and chat over stdin",
		Long: "Restores the persisted session, keeps it refreshed, holds the realtime connection open and " +
			"sends each stdin line as a chat message. Commands: /retry <id>, /status, /quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, flags, noInput)
		},
	}

	cmd.Flags().BoolVar(&noInput, "no-input", false, "do not read chat messages from stdin")
	return cmd
}

func runDaemon(cmd *cobra.Command, flags *globalFlags, noInput bool) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := newApp(ctx, flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if !a.session.IsAuthenticated() {
		return errors.New("not signed in: run `coreos login` first")
	}

	logger.Info("starting coreos client",
		"version", version.Version,
		"commit", version.Commit,
		"ws_url", a.cfg.API.WSURL,
	)

	if err := a.session.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		a.session.Stop(stopCtx)
	}()

	frames := router.NewRouter(router.DefaultRouterConfig(), logger.With("component", "router"))
	conn := connection.NewManager(
		managerConfig(a.cfg.Connection),
		logger.With("component", "connection"),
		connection.WithTokenSource(a.session.AccessToken),
	)
	defer conn.Close()

	chatSvc := chat.NewService(conn, frames, logger)

	if err := frames.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		frames.Stop(stopCtx)
	}()

	out := cmd.OutOrStdout()
	conn.OnStateChange(func(prev, next connection.State) {
		logger.Info("connection state changed", "from", prev, "to", next)
	})
	conn.OnError(func(e *connection.Error) {
		logger.Warn("connection error", "code", e.Code, "message", e.Message)
	})
	a.session.AddSink(func(e model.SecurityEvent) {
		if e.Type == model.EventLogout {
			// Session ended (e.g. refresh token revoked); stop reconnecting.
			go conn.Disconnect()
		}
	})
	chatSvc.OnUpdate(func(m model.Message) {
		switch {
		case m.Type == model.MessageAssistant:
			fmt.Fprintf(out, "assistant> %s\n", m.Content)
		case m.Status == model.StatusFailed:
			fmt.Fprintf(out, "! message %s not sent, /retry %s\n", m.ID, m.ID)
		}
	})
	chatSvc.OnServerError(func(p router.ErrorPayload) {
		fmt.Fprintf(out, "! server error %s: %s\n", p.Code, p.Message)
	})

	var healthServer *http.Server
	if a.cfg.Health.Port > 0 {
		healthServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Health.Port),
			Handler:           newHealthHandler(conn, a.session, a, chatSvc, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("starting health server", "port", a.cfg.Health.Port)
			if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	conn.Connect(a.cfg.API.WSURL, a.session.AccessToken())

	if !noInput {
		go readInput(ctx, cmd.InOrStdin(), chatSvc, conn, out, cancel)
	}

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		healthServer.Shutdown(shutdownCtx)
	}

	if pending := len(conn.Pending()); pending > 0 {
		logger.Warn("discarding unsent frames", "count", pending)
	}
	return nil
}

// readInput sends each line as a chat message until ctx ends or stdin closes.
func readInput(ctx context.Context, in io.Reader, svc *chat.Service, conn connection.Manager, out io.Writer, quit context.CancelFunc) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit":
			quit()
			return
		case line == "/status":
			snap := conn.Snapshot()
			fmt.Fprintf(out, "state=%s queued=%d retries=%d\n", snap.State, snap.QueueLength, snap.RetryCount)
		case strings.HasPrefix(line, "/retry "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
			if _, err := svc.Retry(ctx, id); err != nil {
				fmt.Fprintf(out, "! retry failed: %v\n", err)
			}
		default:
			if _, err := svc.Send(ctx, line, nil); err != nil && !errors.Is(err, connection.ErrSendFailed) {
				fmt.Fprintf(out, "! send failed: %v\n", err)
			}
		}
	}
}

// managerConfig maps the connection config section onto the manager.
func managerConfig(c config.ConnectionConfig) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.ConnectTimeout = c.ConnectTimeout
	mc.ReconnectBaseWait = c.ReconnectBaseDelay
	mc.ReconnectMaxWait = c.ReconnectMaxDelay
	mc.MaxRetries = c.MaxRetries
	mc.FlushRate = c.FlushRate
	mc.Client.PingInterval = c.PingInterval
	mc.Client.PingTimeout = c.PingTimeout
	mc.Client.WriteTimeout = c.WriteTimeout
	mc.Client.BufferSize = c.BufferSize
	return mc
}
