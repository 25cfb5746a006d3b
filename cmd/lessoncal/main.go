package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"

	"lessoncal/internal/config"
	"lessoncal/internal/db"
	"lessoncal/internal/feed"
	"lessoncal/internal/ics"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/service"
	"lessoncal/internal/store"
	"lessoncal/internal/tz"
	"lessoncal/internal/web"
)

// flagConfig holds CLI flag values that override the config file.
type flagConfig struct {
	configPath string
	listen     string
	debug      bool
	once       bool
}

func main() {
	appLog.Info("lessoncal starting", "version", "0.1.0")
	defer appLog.Sync()

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		conf.LogLevel = "debug"
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if conf.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	defaultLoc, err := tz.LoadZone(conf.Timezone)
	if err != nil {
		appLog.Error("invalid default timezone", err, "timezone", conf.Timezone)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"db_driver", conf.Database.Driver,
		"picker_weeks", conf.PickerWeeks,
		"feed_dir", conf.Feed.Dir,
		"feed_refresh", conf.Feed.Refresh,
		"basic_auth", conf.BasicAuth != nil,
		"once", flags.once,
	)

	gdb, err := db.Init(&conf.Database, store.Models()...)
	if err != nil {
		appLog.Error("failed to initialize database", err, "driver", conf.Database.Driver)
		os.Exit(1)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}

	svc := service.New(store.NewGormStore(gdb), conf.Timezone,
		service.WithPickerWeeks(conf.PickerWeeks),
		service.WithFetcher(ics.NewFetcher(conf.Feed.ImportCacheDir, &http.Client{Timeout: 15 * time.Second})),
	)
	publisher := feed.NewPublisher(svc, conf.Feed.Dir, conf.Feed.HorizonDays, conf.Feed.PastDays)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		if err := publisher.PublishAll(ctx); err != nil {
			appLog.Error("feed publish failed", err)
			os.Exit(1)
		}
		appLog.Info("lessoncal exiting")
		return
	}

	if conf.Feed.Dir != "" {
		if err := publisher.Start(ctx, conf.Feed.Refresh, defaultLoc); err != nil {
			appLog.Error("failed to start feed publisher", err)
			os.Exit(1)
		}
		defer publisher.Stop()
	}

	if err := web.NewServer(conf, svc).Run(ctx); err != nil {
		appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		os.Exit(1)
	}
	appLog.Info("lessoncal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/lessoncal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging and gin debug mode")
	flag.BoolVar(&cfg.once, "once", false, "Publish every feed once and exit")

	flag.Parse()

	return cfg
}
