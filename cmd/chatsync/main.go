package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/bus"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/seed"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/store"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-token subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		hashToken()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashToken reads a participant secret from stdin, or generates one when
// the line is empty, and prints its bcrypt hash.
func hashToken() {
	fmt.Fprint(os.Stderr, "Enter secret (empty to generate): ")

	scanner := bufio.NewScanner(os.Stdin)
	secret := ""

	if scanner.Scan() {
		secret = scanner.Text()
	}

	if secret == "" {
		secret = auth.NewSecret()
		fmt.Fprintf(os.Stderr, "generated secret: %s\n", secret)
	}

	hash, err := auth.HashSecret(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.Bool("server", cfg.EnableServer),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	entries, err := cfg.ParseParticipants()
	if err != nil {
		return fmt.Errorf("parsing participants: %w", err)
	}

	hashes := make(map[string]string, len(entries))
	for _, e := range entries {
		hashes[e.ID] = e.TokenHash
	}

	participants := auth.NewParticipants(hashes)

	events := bus.New(logger.With(slog.String("service", "bus")))
	defer events.Close()

	st, err := store.Open(cfg.DBPath, events, logger.With(slog.String("service", "store")))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	logger.Info("store opened", slog.String("path", cfg.DBPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}

		if _, err := seed.Apply(ctx, st, f, time.Now(), logger); err != nil {
			return fmt.Errorf("applying seed: %w", err)
		}
	}

	var mcpHandler http.Handler
	if cfg.EnableMCP {
		mcpHandler = mcpserver.Handler(st, Version, logger.With(slog.String("service", "mcp")))
	}

	var handler http.Handler

	if cfg.EnableServer {
		handler = server.NewMux(server.MuxConfig{
			Store:        st,
			Participants: participants,
			RealtimeHandler: realtime.NewHandler(st,
				bus.NewLocalNotifier(events, logger),
				logger.With(slog.String("service", "realtime")),
			),
			MCPHandler: mcpHandler,
			Logger:     logger,
		})
	} else {
		mux := http.NewServeMux()
		mux.Handle("/mcp", auth.Middleware(participants, logger)(mcpHandler))
		handler = mux
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(gctx, cfg.ListenAddr, handler, logger, len(entries))
	})

	return g.Wait()
}

// serve runs the HTTP server until ctx is cancelled. Realtime websockets
// are long-lived, so only header reads are bounded, and request contexts
// derive from ctx so hijacked connections end on shutdown.
func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger, participants int) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("starting HTTP server",
		slog.String("listen", addr),
		slog.Int("participants", participants),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
