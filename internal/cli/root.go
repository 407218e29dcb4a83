// Package cli defines the tutor-chat command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ashureev/tutor-chat/internal/config"
	"github.com/ashureev/tutor-chat/internal/domain"
	"github.com/ashureev/tutor-chat/internal/identity"
	"github.com/ashureev/tutor-chat/internal/session"
	"github.com/ashureev/tutor-chat/internal/store"
	"github.com/ashureev/tutor-chat/internal/transcript"
	"github.com/ashureev/tutor-chat/internal/transport"
)

var version = "dev" // set via ldflags at build time

type options struct {
	url          string
	db           string
	replyTimeout time.Duration

	age          string
	goal         string
	timePref     string
	level        string
	audience     string
	requirements []string
}

// profile returns the background given on the command line, or nil when no
// background flag was set.
func (o options) profile() *domain.BackgroundProfile {
	p := domain.BackgroundProfile{
		Age:                 o.age,
		LearningGoal:        o.goal,
		TimePreference:      o.timePref,
		KnowledgeLevel:      o.level,
		TargetAudience:      o.audience,
		SpecialRequirements: o.requirements,
	}
	if p.Age == "" && p.LearningGoal == "" && p.TimePreference == "" &&
		p.KnowledgeLevel == "" && p.TargetAudience == "" && len(p.SpecialRequirements) == 0 {
		return nil
	}
	return &p
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "tutor-chat",
		Short: "Chat with the tutoring agent from a terminal",
		Long: `tutor-chat connects to the tutoring agent over a websocket under a
persistent client id and runs an interactive chat session.

Background flags describe the learner. They are attached to the first
message and carried as context on every message after it.

Type /clear to empty the transcript and /quit to leave.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "", "agent websocket endpoint (overrides AGENT_WS_URL)")
	f.StringVar(&opts.db, "db", "", "client database path (overrides CLIENT_DB_PATH)")
	f.DurationVar(&opts.replyTimeout, "reply-timeout", 0, "agent reply timeout, 0 waits forever (overrides REPLY_TIMEOUT)")
	f.StringVar(&opts.age, "age", "", "learner age or grade")
	f.StringVar(&opts.goal, "goal", "", "learning goal")
	f.StringVar(&opts.timePref, "time", "", "time preference")
	f.StringVar(&opts.level, "level", "", "knowledge level")
	f.StringVar(&opts.audience, "audience", "", "target audience")
	f.StringArrayVar(&opts.requirements, "require", nil, "special requirement (repeatable)")

	return cmd
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts options) error {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg, opts); err != nil {
		return err
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Info("No .env file found, using environment variables")
	}
	logger.Info("Starting tutor-chat", "version", version, "agent_url", cfg.AgentURL, "secure", cfg.IsSecure())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientID := resolveClientID(ctx, cfg, logger, cmd.ErrOrStderr())

	tl, err := transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transcript log: %w", err)
	}
	defer func() {
		if closeErr := tl.Close(); closeErr != nil {
			logger.Error("Failed to close transcript log", "error", closeErr)
		}
	}()

	sessionOpts := session.Options{
		Dial: session.TransportDialer(transport.Options{
			BaseURL:      cfg.AgentURL,
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.WriteTimeout,
			ReadLimit:    cfg.MaxFrameSize,
			HTTPHeader:   http.Header{"User-Agent": {userAgent()}},
			Logger:       logger,
		}),
		ReplyTimeout: cfg.ReplyTimeout,
		Transcript:   tl,
		Logger:       logger,
	}

	err = session.Run(ctx, sessionOpts, clientID, func(ctl *session.Controller) error {
		return newChat(ctl, cmd.InOrStdin(), cmd.OutOrStdout(), opts.profile()).run(ctx)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func userAgent() string {
	return "tutor-chat/" + version
}

func applyFlags(cmd *cobra.Command, cfg *config.Config, opts options) error {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.AgentURL = opts.url
	}
	if flags.Changed("db") {
		cfg.ClientDBPath = opts.db
	}
	if flags.Changed("reply-timeout") {
		cfg.ReplyTimeout = opts.replyTimeout
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// newLogger writes JSON logs to a rotating file; stdout carries the chat.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    10, // Megabytes
		MaxBackups: 5,
		MaxAge:     30, // Days
		Compress:   true,
	}
	logger := slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: cfg.LogLevel}))
	return logger, func() { _ = rotator.Close() }
}

// resolveClientID loads or creates the persistent client id. Storage
// problems are reported and the session continues with an unpersisted id.
func resolveClientID(ctx context.Context, cfg *config.Config, logger *slog.Logger, stderr io.Writer) string {
	var ids identity.Store
	db, err := store.NewSQLite(cfg.ClientDBPath)
	if err != nil {
		logger.Warn("Client database unavailable", "path", cfg.ClientDBPath, "error", err)
	} else {
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				logger.Error("Failed to close client database", "error", closeErr)
			}
		}()
		if err := db.Ping(ctx); err != nil {
			logger.Warn("Client database health check failed", "path", cfg.ClientDBPath, "error", err)
		} else {
			ids = db
		}
	}

	res := identity.GetOrCreate(ctx, ids, logger)
	if res.Err != nil {
		fmt.Fprintf(stderr, "warning: client id is not persisted, history will not carry over (%v)\n", res.Err)
	}
	return res.ID
}
