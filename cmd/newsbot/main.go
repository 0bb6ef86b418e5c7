package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/LJTian/NewsBot/internal/collector"
	"github.com/LJTian/NewsBot/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "newsbot",
		Usage: "Post CodeProject news to Discord channels",
		Description: `Periodically scrapes the CodeProject news listing, skips items that were
already posted today and posts the rest to every configured Discord channel.

Flags can generally be set via environment variables, e.g.:

--token => NEWSBOT_TOKEN=...
--imgur => NEWSBOT_IMGUR_CLIENT_ID=...`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "The config file that contains most of the settings",
				EnvVars: []string{"NEWSBOT_CONFIG"},
				Value:   "config.yaml",
			},
			&cli.StringFlag{
				Name:    "icons",
				Usage:   "The icons cache file",
				EnvVars: []string{"NEWSBOT_ICONS"},
				Value:   "icons.json",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "The bot token used to authenticate against Discord",
				EnvVars: []string{"NEWSBOT_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "imgur",
				Usage:   "The Imgur client id used to upload site icons",
				EnvVars: []string{"NEWSBOT_IMGUR_CLIENT_ID"},
			},
			&cli.StringFlag{
				Name:    "listing-url",
				Usage:   "Override the CodeProject listing URL",
				EnvVars: []string{"NEWSBOT_LISTING_URL"},
				Value:   collector.CodeProjectListingURL,
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Output debug logs",
				EnvVars: []string{"NEWSBOT_DEBUG"},
			},
			&cli.StringFlag{
				Name:    "log-dir",
				Usage:   "Also write logs to a file in this directory",
				EnvVars: []string{"NEWSBOT_LOG_DIR"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "Status API address, e.g. :9000 (disabled when empty)",
				EnvVars: []string{"NEWSBOT_LISTEN"},
			},
			&cli.StringFlag{
				Name:    "basic-user",
				Usage:   "Basic auth user for the status API",
				EnvVars: []string{"NEWSBOT_BASIC_USER"},
			},
			&cli.StringFlag{
				Name:    "basic-pass",
				Usage:   "Basic auth password for the status API",
				EnvVars: []string{"NEWSBOT_BASIC_PASS"},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Usage:   "Archive deliveries and icons to Postgres (disabled when empty)",
				EnvVars: []string{"NEWSBOT_POSTGRES_DSN"},
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis cache in front of the archive",
				EnvVars: []string{"NEWSBOT_REDIS_ADDR"},
			},
		},
		Before: func(ctx *cli.Context) error {
			return setupLogging(ctx.Bool("debug"), ctx.String("log-dir"))
		},
		Commands: []*cli.Command{
			runCmd(),
			collectCmd(),
			parseCmd(),
		},
		Action: runAction,
	}
}

func setupLogging(debug bool, dir string) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.InfoLevel)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if dir == "" {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("newsbot-%s.log", time.Now().Format("2006-01-02-15-04-05"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

func optionsFrom(ctx *cli.Context) config.Options {
	return config.Options{
		Token:         ctx.String("token"),
		ImgurClientID: ctx.String("imgur"),
		ConfigPath:    ctx.String("config"),
		IconsPath:     ctx.String("icons"),
		ListingURL:    ctx.String("listing-url"),
		Listen:        ctx.String("listen"),
		BasicUser:     ctx.String("basic-user"),
		BasicPass:     ctx.String("basic-pass"),
		PostgresDSN:   ctx.String("postgres-dsn"),
		RedisAddr:     ctx.String("redis-addr"),
	}
}
