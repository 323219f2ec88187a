package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"scoparia/internal/config"
	"scoparia/internal/crom"
	"scoparia/internal/directory"
	"scoparia/internal/dispatch"
	"scoparia/internal/fetcher"
	"scoparia/internal/format"
	"scoparia/internal/model"
	"scoparia/internal/reply"
	"scoparia/internal/router"
	"scoparia/internal/scheduler"
	"scoparia/internal/storage"
	"scoparia/internal/transport/apprise"
	"scoparia/internal/transport/email"
	"scoparia/internal/transport/pm"
	"scoparia/internal/wikidot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	httpClient := &http.Client{Timeout: max(cfg.SendTimeout, cfg.FetchTimeout)}

	wd := wikidot.New(httpClient, wikidot.WithLogger(log))
	loginCtx, cancelLogin := context.WithTimeout(ctx, cfg.SendTimeout)
	err := wd.Login(loginCtx, cfg.WikidotUsername, cfg.WikidotPassword)
	cancelLogin()
	if err != nil {
		return err
	}
	log.Info("logged in to wikidot", "username", cfg.WikidotUsername)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	dir, prepare, closeDir, err := openDirectory(ctx, cfg, wd, log)
	if err != nil {
		return err
	}
	defer closeDir()

	transports, err := newTransports(cfg, wd, httpClient, log)
	if err != nil {
		return err
	}
	disp := dispatch.New(transports, dispatch.Options{
		Workers: cfg.SendWorkers,
		Timeout: cfg.SendTimeout,
		Rate:    cfg.SendRate,
	}, log)

	// Feeds go through the session so private sites are readable.
	f := fetcher.New(wd, cfg.FetchTimeout)
	r := router.New(dir, format.New(), log, router.WithLookupTimeout(cfg.LookupTimeout))
	sched := scheduler.New(store, f, r, disp, cfg.SiteURLs, cfg.FeedWorkers, log)
	sched.SetPrepare(prepare)
	if cfg.DetectReplies {
		index := crom.New(httpClient, cfg.CromURL)
		sched.SetReplyDetector(reply.New(wd, index, cfg.LookupTimeout, log))
	}

	if cfg.Schedule == "" {
		sum := sched.RunOnce(ctx)
		log.Info("done", "run_id", sum.RunID, "failed", sum.Failed())
		return nil
	}

	log.Info("starting scheduler", "schedule", cfg.Schedule)
	if err := sched.Run(ctx, cfg.Schedule); err != nil {
		return err
	}
	log.Info("scheduler stopped")
	return nil
}

func openStore(cfg *config.Config) (storage.Storage, error) {
	if cfg.CheckpointBackend == config.CheckpointGitHub {
		return storage.NewGitHubEnv(cfg.LastRSSCheck, cfg.GitHubEnvPath)
	}
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	return storage.NewSQLite(cfg.DatabasePath)
}

// openDirectory selects the user directory and returns the hook that
// refreshes it before each run.
func openDirectory(ctx context.Context, cfg *config.Config, wd *wikidot.Client, log *slog.Logger) (directory.Directory, func(context.Context) error, func(), error) {
	if !cfg.UseMongo() {
		static := directory.NewStatic(cfg.Users)
		log.Info("using static user directory", "users", static.Len())
		prepare := func(ctx context.Context) error {
			users, err := directory.LoadWikiConfigs(ctx, wd, cfg.ConfigWikiURL, cfg.UserConfigCategory, log)
			if err != nil {
				return err
			}
			static.Overlay(users...)
			return nil
		}
		return static, prepare, func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	mongoDir, disconnect, err := directory.ConnectMongo(connectCtx, cfg.MongoURI, cfg.LookupTimeout)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := mongoDir.EnsureIndexes(connectCtx); err != nil {
		_ = disconnect(context.Background())
		return nil, nil, nil, err
	}
	log.Info("using mongodb user directory", "database", directory.DatabaseName)

	prepare := func(ctx context.Context) error {
		var errs []error
		contacts, err := wd.GetContacts(ctx)
		if err == nil {
			err = mongoDir.UpsertContacts(ctx, contacts)
		}
		if err != nil {
			errs = append(errs, err)
		} else {
			log.Info("synchronized contacts", "count", len(contacts))
		}

		users, err := directory.LoadWikiConfigs(ctx, wd, cfg.ConfigWikiURL, cfg.UserConfigCategory, log)
		if err == nil {
			err = mongoDir.UpsertUsers(ctx, users)
		}
		if err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	closeDir := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := disconnect(ctx); err != nil {
			log.Warn("disconnect mongodb", "error", err)
		}
	}
	return mongoDir, prepare, closeDir, nil
}

func newTransports(cfg *config.Config, wd *wikidot.Client, httpClient *http.Client, log *slog.Logger) (map[model.Channel]dispatch.Transport, error) {
	ap, err := apprise.New(httpClient, log)
	if err != nil {
		return nil, err
	}
	transports := map[model.Channel]dispatch.Transport{
		model.ChannelWikidotPM: pm.New(wd),
		model.ChannelApprise:   ap,
	}
	if cfg.SMTP.Enabled() {
		transports[model.ChannelEmail] = email.New(email.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	} else {
		log.Warn("SMTP_HOST not set, email notifications will fail")
	}
	return transports, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
