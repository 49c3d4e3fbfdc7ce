package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencode-zen/zen/internal/admin"
	"github.com/opencode-zen/zen/internal/authcache"
	"github.com/opencode-zen/zen/internal/billing"
	"github.com/opencode-zen/zen/internal/catalog"
	"github.com/opencode-zen/zen/internal/config"
	"github.com/opencode-zen/zen/internal/db"
	"github.com/opencode-zen/zen/internal/logging"
	"github.com/opencode-zen/zen/internal/payments"
	"github.com/opencode-zen/zen/internal/relay"
	"github.com/opencode-zen/zen/internal/reload"
	"github.com/opencode-zen/zen/internal/server"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, errConfig := config.Load(*configPath)
	if errConfig != nil {
		log.WithError(errConfig).Fatal("configuration load failed")
	}
	logging.Setup(cfg.Log)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		log.WithError(errOpen).Fatal("database open failed")
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		log.WithError(errMigrate).Fatal("database migration failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errSeed := admin.EnsureAdmin(ctx, conn, cfg.Admin); errSeed != nil {
		log.WithError(errSeed).Fatal("admin seed failed")
	}

	snapshot, errCatalog := catalog.LoadFile(cfg.Catalog.Path)
	if errCatalog != nil {
		log.WithError(errCatalog).Fatal("catalog load failed")
	}
	store := catalog.NewStore()
	store.Replace(snapshot)
	log.WithField("models", len(snapshot.Models())).Info("catalog loaded")

	var cache *authcache.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if errPing := rdb.Ping(ctx).Err(); errPing != nil {
			log.WithError(errPing).Warn("redis unreachable, auth cache disabled")
		} else {
			cache = authcache.New(rdb, cfg.Redis.AuthCacheTTL)
		}
	}

	var stripeProcessor *payments.StripeProcessor
	var reloader relay.Reloader
	if cfg.Stripe.SecretKey != "" {
		stripeProcessor = payments.NewStripe(cfg.Stripe.SecretKey)
		reloader = reload.New(conn, stripeProcessor, cfg.Reload)
	} else {
		log.Warn("stripe key missing, auto-reload disabled")
	}

	selector := catalog.NewSelector(rand.New(rand.NewSource(time.Now().UnixNano())))
	authenticator := relay.NewAuthenticator(conn, cache)
	ledger := billing.NewLedger(conn)
	forwarder := relay.NewForwarder(&http.Client{}, server.PathPrefix())
	relayHandler := relay.NewHandler(store, selector, authenticator, ledger, forwarder, reloader)

	adminHandler := admin.NewHandler(conn, cfg.Admin, store, cfg.Catalog.Path, stripeProcessor)

	engine := server.NewRouter(server.Options{
		Catalog: store,
		Relay:   relayHandler,
		Admin:   adminHandler,
	})

	if errRun := server.Run(ctx, engine, cfg.Listen); errRun != nil {
		log.WithError(errRun).Fatal("server exited")
	}
	log.Info("gateway stopped")
}
