package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexjbarnes/chatsync/internal/api"
	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/realtime"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("chatsync-client starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(cfg.ServerURL, cfg.Token, nil)

	me, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("identifying participant: %w", err)
	}

	conv, _, err := client.CreateConversation(ctx, cfg.Peer)
	if err != nil {
		return fmt.Errorf("opening conversation with %s: %w", cfg.Peer, err)
	}

	sessions := chatsync.NewSessions(me.ParticipantID, client,
		realtime.NewNotifier(cfg.ServerURL, cfg.Token, logger),
		cfg.Sync.Timing(),
		logger,
	)
	defer sessions.CloseAll()

	r := newRenderer(os.Stdout, me.ParticipantID)
	r.printf("chatting with %s as %s. /reload to refresh, /status, /quit to leave.\n", cfg.Peer, me.ParticipantID)

	ctrl, err := sessions.Open(ctx, conv.ID, chatsync.Hooks{
		OnViewChange:  r.view,
		OnStateChange: r.state,
	})
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}

	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ctrl.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if quit := handleLine(ctx, ctrl, r, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the user asked to
// leave.
func handleLine(ctx context.Context, ctrl *chatsync.Controller, r *renderer, line string) bool {
	switch line {
	case "":
		return false

	case "/quit":
		return true

	case "/reload":
		if err := ctrl.Reload(); err != nil {
			r.printf("reload failed: %v\n", err)
		}

	case "/status":
		r.printf("state: %s (%s), %d messages\n", ctrl.State(), ctrl.Connectivity(), len(ctrl.View()))

	default:
		if _, err := ctrl.Send(ctx, line); err != nil {
			r.printf("send failed: %v\n", err)
		}
	}

	return false
}
