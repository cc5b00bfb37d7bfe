package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/siteflow/siteflow/internal/api"
	"github.com/siteflow/siteflow/internal/buildinfo"
	"github.com/siteflow/siteflow/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	// 2. Wire services
	app, err := newApp(envCfg)
	if err != nil {
		return err
	}

	// 3. Background loops
	app.startBackground()

	// 4. API server
	srv := api.NewServer(envCfg.ListenAddress, envCfg.APIPort, app.apiDeps())
	go func() {
		log.Printf("[main] SiteFlow %s (%s) listening on %s:%d",
			buildinfo.Version, buildinfo.GitCommit, envCfg.ListenAddress, envCfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] API server error: %v", err)
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[main] received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] server shutdown error: %v", err)
	}
	app.shutdown()
	log.Println("[main] stopped")
	return nil
}

// retentionJob prunes audit entries and backup runs past retention. Runs on
// the configured cron schedule, which config validated at startup.
func (a *app) retentionJob() cron.FuncJob {
	return func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -a.envCfg.AuditRetentionDays)
		if n, err := a.audit.Cleanup(cutoff); err != nil {
			log.Printf("[retention] audit cleanup: %v", err)
		} else if n > 0 {
			log.Printf("[retention] removed %d audit entries", n)
		}
		if n, err := a.backups.Cleanup(cutoff); err != nil {
			log.Printf("[retention] backup cleanup: %v", err)
		} else if n > 0 {
			log.Printf("[retention] removed %d backup runs", n)
		}
	}
}
