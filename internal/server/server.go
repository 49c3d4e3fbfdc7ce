// Package server assembles the HTTP surface: the three relay endpoints, the
// model listing, health checks, and the management API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/opencode-zen/zen/internal/admin"
	"github.com/opencode-zen/zen/internal/catalog"
	"github.com/opencode-zen/zen/internal/relay"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// apiPathPrefix is stripped from inbound relay paths before forwarding.
const apiPathPrefix = "/v1"

// Options carries the wired components the router mounts.
type Options struct {
	Catalog *catalog.Store
	Relay   *relay.Handler
	Admin   *admin.Handler
}

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group(apiPathPrefix)
	v1.POST("/chat/completions", opts.Relay.Relay(relay.ChatCompletionsAdapter{}))
	v1.POST("/messages", opts.Relay.Relay(relay.MessagesAdapter{}))
	v1.POST("/responses", opts.Relay.Relay(relay.ResponsesAdapter{}))
	v1.GET("/models", listModels(opts.Catalog))

	if opts.Admin != nil {
		opts.Admin.Register(engine.Group("/admin"))
	}
	return engine
}

// PathPrefix returns the relay path prefix for forwarder construction.
func PathPrefix() string { return apiPathPrefix }

// listModels returns the catalog's model listing.
func listModels(store *catalog.Store) gin.HandlerFunc {
	type modelInfo struct {
		ID             string `json:"id"`
		AllowAnonymous bool   `json:"allow_anonymous"`
		ContextLimit   int64  `json:"context_limit,omitempty"`
	}
	return func(c *gin.Context) {
		snapshot := store.Snapshot()
		models := snapshot.Models()
		out := make([]modelInfo, 0, len(models))
		for _, m := range models {
			out = append(out, modelInfo{
				ID:             m.ID,
				AllowAnonymous: m.AllowAnonymous,
				ContextLimit:   m.ContextLimit,
			})
		}
		c.JSON(http.StatusOK, gin.H{"models": out})
	}
}

// Run serves the engine until the context is cancelled, then shuts down
// gracefully with a bounded drain window.
func Run(ctx context.Context, engine *gin.Engine, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("gateway listening")
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
			return
		}
		errCh <- nil
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		return errShutdown
	}
	return <-errCh
}
