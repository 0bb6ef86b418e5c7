package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LJTian/NewsBot/internal/api"
	"github.com/LJTian/NewsBot/internal/collector"
	"github.com/LJTian/NewsBot/internal/config"
	"github.com/LJTian/NewsBot/internal/delivery"
	"github.com/LJTian/NewsBot/internal/discord"
	"github.com/LJTian/NewsBot/internal/icons"
	"github.com/LJTian/NewsBot/internal/imgur"
	"github.com/LJTian/NewsBot/internal/metrics"
	"github.com/LJTian/NewsBot/internal/processor"
	"github.com/LJTian/NewsBot/internal/scheduler"
	"github.com/LJTian/NewsBot/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the bot until interrupted (default)",
		Description: `Collects news every probe_interval_seconds and posts new items.

The first cycle runs right away. On SIGINT/SIGTERM the bot waits for the
running cycle to finish, saves the config and icon cache and exits.`,
		Action: runAction,
	}
}

func collectCmd() *cli.Command {
	return &cli.Command{
		Name:  "collect",
		Usage: "Run exactly one collect cycle, save state and exit",
		Action: func(ctx *cli.Context) error {
			log := logrus.WithField("cmd", "collect")
			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := newBot(sigCtx, optionsFrom(ctx), log)
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer b.close()

			s, err := scheduler.New(b.state.Config.CronSpec(), b.pipeline, config.Now, log)
			if err != nil {
				return cli.Exit(err, 1)
			}
			res := s.RunOnce()
			if err := s.Stop(); err != nil {
				return cli.Exit(err, 1)
			}
			log.WithFields(logrus.Fields{
				"fetched": res.Fetched,
				"new":     res.New,
				"posted":  res.Posted,
				"failed":  res.Failed,
			}).Info("collect done")
			return nil
		},
	}
}

func runAction(ctx *cli.Context) error {
	log := logrus.WithField("cmd", "run")
	opts := optionsFrom(ctx)

	// 连接 discord 的重试期间收到信号也要能退出
	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBot(sigCtx, opts, log)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer b.close()

	s, err := scheduler.New(b.state.Config.CronSpec(), b.pipeline, config.Now, log)
	if err != nil {
		return cli.Exit(err, 1)
	}

	var srv *http.Server
	if opts.Listen != "" {
		srv = b.statusServer(opts, s)
		go func() {
			log.WithField("addr", opts.Listen).Info("starting status api")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("status api exited")
			}
		}()
	}

	s.Start()
	<-sigCtx.Done()
	log.Info("Gracefully shutting down...")

	saveErr := s.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("status api shutdown")
		}
	}
	if saveErr != nil {
		return cli.Exit(saveErr, 1)
	}
	log.Info("Done!")
	return nil
}

// bot 把各组件按依赖顺序装配起来
type bot struct {
	state     *scheduler.State
	store     *storage.Store
	transport *discord.Transport
	pipeline  *scheduler.Pipeline

	log *logrus.Entry
}

func newBot(ctx context.Context, opts config.Options, log *logrus.Entry) (*bot, error) {
	if opts.Token == "" {
		return nil, errors.New("--token (NEWSBOT_TOKEN) is required")
	}

	state, err := scheduler.LoadState(opts.ConfigPath, opts.IconsPath, config.Now(), log)
	if err != nil {
		return nil, err
	}
	cfg := state.Config
	b := &bot{state: state, log: log}

	if opts.PostgresDSN != "" {
		// 存档是可选的，连不上只告警
		store, err := storage.NewStore(opts.PostgresDSN, opts.RedisAddr, log)
		if err != nil {
			log.WithError(err).Warn("archive disabled")
		} else {
			b.store = store
			if _, err := store.EnsureFeed(ctx, "codeproject", "CodeProject", opts.ListingURL); err != nil {
				log.WithError(err).Warn("ensure feed failed")
			}
			if mirrored, err := store.LoadIcons(ctx); err != nil {
				log.WithError(err).Warn("load mirrored icons failed")
			} else {
				state.Icons.Merge(mirrored)
			}
		}
	}

	recorder := metrics.New()

	var blobs icons.BlobStore
	if c := imgur.New(opts.ImgurClientID, log); c != nil {
		blobs = c
	} else {
		log.Warn("no imgur client id, new icons will not be uploaded")
	}
	resolver := icons.NewResolver(state.Icons, blobs, cfg.UserAgent, log).WithObserver(recorder)
	if b.store != nil {
		resolver.WithMirror(b.store)
	}

	transport, err := discord.New(opts.Token, log)
	if err != nil {
		b.close()
		return nil, err
	}
	if err := transport.Connect(ctx); err != nil {
		b.close()
		return nil, err
	}
	b.transport = transport

	sink := delivery.NewSink(transport, log).WithObserver(recorder)
	feeds := []collector.Feed{collector.NewCodeProjectFeed(opts.ListingURL, cfg.UserAgent, log)}

	b.pipeline = scheduler.NewPipeline(feeds, state, processor.NewBatchBuilder(resolver, log), sink, log).
		WithObserver(recorder)
	if b.store != nil {
		b.pipeline.WithArchive(b.store)
	}
	return b, nil
}

func (b *bot) statusServer(opts config.Options, s *scheduler.Scheduler) *http.Server {
	if !b.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// 若配置了访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if opts.BasicUser != "" && opts.BasicPass != "" {
		r.Use(api.BasicAuth(opts.BasicUser, opts.BasicPass))
	}

	var lister api.DeliveryLister
	if b.store != nil {
		lister = b.store
	}
	api.NewServer(s, lister).RegisterRoutes(r)

	return &http.Server{
		Addr:              opts.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (b *bot) close() {
	if b.transport != nil {
		if err := b.transport.Close(); err != nil {
			b.log.WithError(err).Warn("close discord session")
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.WithError(err).Warn("close store")
		}
	}
}
