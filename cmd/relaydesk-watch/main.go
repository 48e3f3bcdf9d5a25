package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/relaydesk/internal/config"
	"github.com/agentworkforce/relaydesk/internal/support"
	"github.com/agentworkforce/relaydesk/internal/syncengine"
	"github.com/agentworkforce/relaydesk/internal/watermark"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var flagKeys = map[string]string{
	"base-url":      "watch.base_url",
	"token":         "watch.token",
	"conversation":  "watch.conversation_id",
	"watermark-dsn": "watch.watermark_dsn",
	"jitter":        "watch.jitter_ratio",
	"timeout":       "watch.timeout",
	"push":          "watch.push",
	"log-level":     "log.level",
}

type watchOptions struct {
	configPath string
	once       bool
	markSeen   bool
}

func newFlagSet(opts *watchOptions) *pflag.FlagSet {
	fs := pflag.NewFlagSet("relaydesk-watch", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	fs.String("base-url", "", "relaydesk base URL")
	fs.String("token", "", "bearer token")
	fs.String("conversation", "", "watch one conversation thread instead of the inbox")
	fs.String("watermark-dsn", "", "read-state store (memory://, file://path, postgres://...)")
	fs.Float64("jitter", 0, "poll interval jitter ratio (0.0-1.0)")
	fs.Duration("timeout", 0, "per-request timeout")
	fs.Bool("push", true, "join the conversation's push room")
	fs.String("log-level", "", "trace, debug, info, warn or error")
	fs.BoolVar(&opts.once, "once", false, "fetch once, print and exit")
	fs.BoolVar(&opts.markSeen, "mark-seen", false, "mark what is shown as seen")
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
	var opts watchOptions
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
	if cfg.Watch.Token == "" {
		return errors.New("token is required (--token or RELAYDESK_WATCH__TOKEN)")
	}
	logger := cfg.Log.NewLogger(stderr)
	return watch(ctx, cfg.Watch, opts, &lineWriter{w: stdout}, &logger)
}

type deskClaims struct {
	Name string       `json:"name"`
	Role support.Role `json:"role"`
	jwt.RegisteredClaims
}

// viewerFromToken reads who the token speaks for. The server verifies the
// signature; the watcher only needs the identity to compute unread state.
func viewerFromToken(token string) (support.Actor, error) {
	var claims deskClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return support.Actor{}, fmt.Errorf("parse token: %w", err)
	}
	actor := support.Actor{ID: strings.TrimSpace(claims.Subject), Name: claims.Name, Role: claims.Role}
	if actor.ID == "" {
		return support.Actor{}, errors.New("token has no subject")
	}
	if !actor.Role.Valid() {
		return support.Actor{}, fmt.Errorf("token role %q is not client, agent or admin", claims.Role)
	}
	if actor.Name == "" {
		actor.Name = actor.ID
	}
	return actor, nil
}

// lineWriter serializes output from engine callbacks.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) println(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintln(l.w, line)
}

func watch(ctx context.Context, cfg config.WatchConfig, opts watchOptions, out *lineWriter, logger *zerolog.Logger) error {
	viewer, err := viewerFromToken(cfg.Token)
	if err != nil {
		return err
	}
	store, err := watermark.BuildStoreFromDSN(cfg.WatermarkDSN)
	if err != nil {
		return fmt.Errorf("watermark store: %w", err)
	}
	defer watermark.Close(store)
	tracker := watermark.NewTracker(store)
	client := syncengine.NewHTTPClient(cfg.BaseURL, cfg.Token, &http.Client{Timeout: cfg.Timeout})

	if cfg.ConversationID != "" {
		return watchThread(ctx, client, tracker, viewer, cfg, opts, out, logger)
	}
	return watchInbox(ctx, client, tracker, viewer, cfg, opts, out, logger)
}

func watchInbox(ctx context.Context, client *syncengine.HTTPClient, tracker *watermark.Tracker, viewer support.Actor, cfg config.WatchConfig, opts watchOptions, out *lineWriter, logger *zerolog.Logger) error {
	inbox, err := syncengine.NewInboxEngine(client, syncengine.InboxOptions{
		Viewer:      viewer,
		JitterRatio: cfg.JitterRatio,
		Tracker:     tracker,
		Logger:      logger,
		OnUpdate: func(v syncengine.InboxView) {
			for _, line := range summarizeInbox(v) {
				out.println(line)
			}
		},
	})
	if err != nil {
		return err
	}
	if err := inbox.Refresh(ctx); err != nil {
		return err
	}
	if opts.markSeen {
		for _, c := range inbox.View().Conversations {
			if err := inbox.MarkSeen(ctx, c.ID); err != nil {
				return err
			}
		}
	}
	if opts.once {
		return nil
	}

	inbox.Start(ctx)
	defer inbox.Stop()
	stopVisibility := watchVisibility(inbox.SetVisible)
	defer stopVisibility()
	followStore(ctx, tracker.Store(), inbox.Nudge, logger)
	return nil
}

// followStore blocks until ctx is done. When the read state lives in a
// shared file, another watcher marking a conversation seen triggers
// onChange so unread flags follow without waiting for the next poll.
func followStore(ctx context.Context, store watermark.Store, onChange func(), logger *zerolog.Logger) {
	fileStore, ok := store.(*watermark.FileStore)
	if !ok {
		<-ctx.Done()
		return
	}
	if err := fileStore.Watch(ctx, onChange); err != nil {
		logger.Warn().Err(err).Str("path", fileStore.Path()).Msg("watermark file watch stopped")
		<-ctx.Done()
	}
}

func watchThread(ctx context.Context, client *syncengine.HTTPClient, tracker *watermark.Tracker, viewer support.Actor, cfg config.WatchConfig, opts watchOptions, out *lineWriter, logger *zerolog.Logger) error {
	var channel syncengine.Channel
	if cfg.Push && !opts.once {
		ws := syncengine.NewWebSocketChannel(cfg.BaseURL, cfg.Token, logger)
		defer ws.Close()
		channel = ws
	}
	var (
		engine *syncengine.Engine
		marks  sync.WaitGroup
	)
	defer marks.Wait()
	markOnUpdate := opts.markSeen && !opts.once
	engine, err := syncengine.NewEngine(client, syncengine.EngineOptions{
		Viewer:      viewer,
		JitterRatio: cfg.JitterRatio,
		Channel:     channel,
		Tracker:     tracker,
		Logger:      logger,
		OnUpdate: func(v syncengine.View) {
			out.println(summarizeView(v))
			if !markOnUpdate || !v.Loaded || v.Deleted {
				return
			}
			// MarkSeen talks to the server; keep it off the callback.
			marks.Add(1)
			go func() {
				defer marks.Done()
				if err := engine.MarkSeen(ctx); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("mark seen failed")
				}
			}()
		},
	})
	if err != nil {
		return err
	}

	if opts.once {
		if err := engine.Select(ctx, cfg.ConversationID); err != nil {
			return err
		}
		if opts.markSeen {
			return engine.MarkSeen(ctx)
		}
		return nil
	}
	engine.Start(ctx)
	defer engine.Stop()
	if err := engine.Select(ctx, cfg.ConversationID); err != nil {
		return err
	}
	stopVisibility := watchVisibility(engine.SetVisible)
	defer stopVisibility()
	<-ctx.Done()
	return nil
}
