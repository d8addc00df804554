package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"roundtable/api/internal/app"
	"roundtable/api/internal/config"
	"roundtable/api/internal/deadletter"
	"roundtable/api/internal/events"
	"roundtable/api/internal/export"
	"roundtable/api/internal/gitrepo"
	"roundtable/api/internal/journal"
	"roundtable/api/internal/search"
	"roundtable/api/internal/session"
	"roundtable/api/internal/store"
)

func main() {
	cfg := config.Load()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	migrateOnly := flag.Bool("migrate-only", false, "apply migrations and exit")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithError(err).Warn("unknown log level, using info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var deps app.Deps

	if strings.TrimSpace(cfg.SigningKeyDir) != "" {
		signer, generated, err := journal.LoadOrGenerateSigner(cfg.SigningKeyDir)
		if err != nil {
			log.WithError(err).Fatal("signing key unavailable")
		}
		log.WithFields(log.Fields{"fingerprint": signer.Fingerprint(), "generated": generated}).Info("journal signing key loaded")
		deps.Signer = signer
	} else {
		log.Warn("ROUNDTABLE_SIGNING_KEY_DIR not set, journal entries are signed with an ephemeral key")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer redisStore.Close()
		bus := events.NewRedisBus(redisStore.Client(), events.DefaultChannelPrefix)
		if err := bus.Start(ctx); err != nil {
			log.WithError(err).Fatal("redis event relay failed")
		}
		defer bus.Close()
		deps.Challenges = redisStore
		deps.Bus = bus
		deps.DeadLetters = deadletter.NewRedisQueue(redisStore.Client(), deadletter.DefaultKey)
		log.Info("using redis for challenges, events and dead letters")
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		deps.Meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer deps.Meili.Close()
	}
	if strings.TrimSpace(cfg.MirrorDir) != "" {
		if err := os.MkdirAll(cfg.MirrorDir, 0o755); err != nil {
			log.WithError(err).Fatal("failed to create journal mirror dir")
		}
		deps.Mirror = gitrepo.New(cfg.MirrorDir)
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := export.NewMinioStore(ctx, export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.WithError(err).Warn("object store unavailable, export uploads disabled")
		} else {
			deps.Objects = objects
		}
	}

	var (
		service *app.Service
		err     error
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("database connection failed")
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.WithError(err).Fatal("migrations failed")
		}
		if *migrateOnly {
			log.Info("migrations applied")
			return
		}
		service, err = app.New(cfg, store.NewPostgresStore(db), deps)
		if err != nil {
			log.WithError(err).Fatal("service init failed")
		}
	} else {
		if *migrateOnly {
			log.Fatal("--migrate-only needs DATABASE_URL")
		}
		log.Warn("DATABASE_URL not set, using the in-memory store")
		service, err = app.New(cfg, store.NewMemoryStore(), deps)
		if err != nil {
			log.WithError(err).Fatal("service init failed")
		}
	}

	if deps.Meili != nil {
		if err := service.ReindexSearch(ctx, nil); err != nil {
			log.WithError(err).Warn("search reindex failed")
		}
	}

	go service.RunWatcher(ctx, cfg.TickInterval)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{"addr": cfg.Addr, "durable": service.Durable()}).Info("Roundtable API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	log.Info("shut down")
}
