package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/relaydesk/internal/config"
	"github.com/agentworkforce/relaydesk/internal/deskstore"
	"github.com/agentworkforce/relaydesk/internal/httpapi"
	"github.com/agentworkforce/relaydesk/internal/support"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// flagKeys maps flags onto config keys. Only flags set on the command line
// override the file and environment.
var flagKeys = map[string]string{
	"addr":            "server.addr",
	"jwt-secret":      "server.jwt_secret",
	"state-dsn":       "store.state_dsn",
	"event-queue-dsn": "store.event_queue_dsn",
	"log-level":       "log.level",
	"log-format":      "log.format",
}

type options struct {
	configPath string
	mintFor    string
	mintName   string
	mintRole   string
	mintTTL    time.Duration
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("relaydesk", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	fs.String("addr", "", "listen address")
	fs.String("jwt-secret", "", "HS256 secret for bearer tokens")
	fs.String("state-dsn", "", "conversation state backend (memory://, file://path, postgres://...)")
	fs.String("event-queue-dsn", "", "notification queue (memory://, file://path)")
	fs.String("log-level", "", "trace, debug, info, warn or error")
	fs.String("log-format", "", "console or json")
	fs.StringVar(&opts.mintFor, "mint-token", "", "print a bearer token for this actor id and exit")
	fs.StringVar(&opts.mintName, "name", "", "display name for --mint-token")
	fs.StringVar(&opts.mintRole, "role", string(support.RoleClient), "role for --mint-token (client, agent, admin)")
	fs.DurationVar(&opts.mintTTL, "ttl", 24*time.Hour, "lifetime for --mint-token")
	return fs
}

func flagOverrides(fs *pflag.FlagSet) map[string]any {
	overrides := map[string]any{}
	fs.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			overrides[key] = f.Value.String()
		}
	})
	return overrides
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	fs := newFlagSet(&opts)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := config.Load(opts.configPath, flagOverrides(fs))
	if err != nil {
		return err
	}

	if strings.TrimSpace(opts.mintFor) != "" {
		return mintToken(stdout, cfg, opts)
	}

	logger := cfg.Log.NewLogger(stderr)
	return serve(ctx, cfg, &logger, nil)
}

func mintToken(w io.Writer, cfg *config.Config, opts options) error {
	actor := support.Actor{
		ID:   strings.TrimSpace(opts.mintFor),
		Name: strings.TrimSpace(opts.mintName),
		Role: support.Role(strings.ToLower(strings.TrimSpace(opts.mintRole))),
	}
	if !actor.Role.Valid() {
		return fmt.Errorf("invalid role %q", opts.mintRole)
	}
	if actor.Name == "" {
		actor.Name = actor.ID
	}
	token, err := httpapi.IssueToken(cfg.Server.JWTSecret, cfg.Server.Audience, actor, opts.mintTTL, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func buildStore(cfg config.StoreConfig, logger *zerolog.Logger) (*deskstore.Store, error) {
	stateBackend, err := deskstore.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	queue, err := deskstore.BuildEventQueueFromDSN(cfg.EventQueueDSN, cfg.EventQueueSize)
	if err != nil {
		if stateBackend != nil {
			_ = deskstore.CloseStateBackend(stateBackend)
		}
		return nil, fmt.Errorf("event queue: %w", err)
	}
	return deskstore.NewStoreWithOptions(deskstore.StoreOptions{
		StateBackend:   stateBackend,
		EventQueue:     queue,
		EventQueueSize: cfg.EventQueueSize,
		NotifyWorkers:  cfg.NotifyWorkers,
		Logger:         logger,
	}), nil
}

// serve runs until ctx is done. ready, when set, receives the bound address.
func serve(ctx context.Context, cfg *config.Config, logger *zerolog.Logger, ready chan<- string) error {
	store, err := buildStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	api := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:          cfg.Server.JWTSecret,
		Audience:           cfg.Server.Audience,
		RateLimitPerSecond: cfg.Server.RateLimitPerSecond,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		Logger:             logger,
	})
	defer api.Close()

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()
	logger.Info().Str("addr", listener.Addr().String()).Msg("relaydesk listening")
	if ready != nil {
		ready <- listener.Addr().String()
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("relaydesk shutting down")
	api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
