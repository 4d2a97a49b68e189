package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openuds/engine/pkg/api"
	"github.com/openuds/engine/pkg/cache"
	"github.com/openuds/engine/pkg/config"
	"github.com/openuds/engine/pkg/deferred"
	"github.com/openuds/engine/pkg/events"
	"github.com/openuds/engine/pkg/lifecycle"
	"github.com/openuds/engine/pkg/log"
	"github.com/openuds/engine/pkg/manager"
	"github.com/openuds/engine/pkg/scheduler"
	"github.com/openuds/engine/pkg/security"
	"github.com/openuds/engine/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "uds-engine",
	Short: "UDS engine - VDI service lifecycle broker core",
	Long: `The UDS engine keeps pools of virtual desktops ready to hand out:
it schedules reconciliation jobs across hosts, drives each deployed
service through its lifecycle, and reclaims remote resources when
services are removed.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"UDS engine version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "bootstrap config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine: scheduler, workers and API",
	RunE: func(cmd *cobra.Command, args []string) error {
		bootstrap, err := config.LoadBootstrap(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(bootstrap.LogLevel),
			JSONOutput: bootstrap.LogJSON,
		})

		db, err := storage.Open(filepath.Join(bootstrap.DataDir, "engine.db"))
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		store := storage.NewStore(db)

		secret, err := siteSecret(bootstrap)
		if err != nil {
			return err
		}
		crypter, err := security.NewCrypterFromSecret(secret)
		if err != nil {
			return err
		}
		registry, err := config.NewRegistry(store, crypter)
		if err != nil {
			return fmt.Errorf("failed to initialize config registry: %w", err)
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		// drain engine events into the log for operators
		eventSub := broker.Subscribe()
		defer broker.Unsubscribe(eventSub)
		go func() {
			for ev := range eventSub {
				log.WithComponent("events").Info().
					Str("type", string(ev.Type)).
					Fields(map[string]any{"meta": ev.Metadata}).
					Msg(ev.Message)
			}
		}()

		bag, err := storage.NewQueueBag(bootstrap.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open deletion queues: %w", err)
		}
		defer bag.Close()
		worker := deferred.NewWorker(bag, store)
		worker.Start()
		defer worker.Stop()

		ctrl := lifecycle.NewController(store, registry, broker, worker)
		mgr := manager.New(store, registry, ctrl, broker)

		sched := scheduler.New(store, bootstrap.Hostname, config.SchedulerThreads.Int(registry))
		jobs := []scheduler.Job{
			cache.NewUpdater(store, registry, ctrl, broker),
			lifecycle.NewStateChecker(ctrl),
			lifecycle.NewStuckCleaner(ctrl),
			lifecycle.NewRemovalSweeper(ctrl),
			lifecycle.NewCleanup(ctrl),
			lifecycle.NewUnusedCleaner(ctrl),
			scheduler.NewHousekeeping(store),
		}
		for _, job := range jobs {
			if err := sched.Register(job); err != nil {
				return fmt.Errorf("failed to register job %s: %w", job.Name(), err)
			}
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()

		apiServer := api.NewServer(mgr, store)
		errCh := make(chan error, 1)
		go func() {
			errCh <- apiServer.Start(bootstrap.ListenAPI)
		}()

		log.WithComponent("main").Info().
			Str("hostname", bootstrap.Hostname).
			Str("data_dir", bootstrap.DataDir).
			Msg("Engine running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			log.WithComponent("main").Info().Msg("Shutting down")
		case err := <-errCh:
			if err != nil {
				log.WithComponent("main").Error().Err(err).Msg("API server failed")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		bootstrap, err := config.LoadBootstrap(configPath)
		if err != nil {
			return err
		}
		db, err := storage.Open(filepath.Join(bootstrap.DataDir, "engine.db"))
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Printf("Schema applied at %s\n", db.Path())
		return nil
	},
}

// siteSecret returns the configured secret, or a generated one persisted
// next to the database so restarts keep decrypting stored values.
func siteSecret(bootstrap config.Bootstrap) (string, error) {
	if bootstrap.Secret != "" {
		return bootstrap.Secret, nil
	}
	path := filepath.Join(bootstrap.DataDir, "secret.key")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate site secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if err := os.MkdirAll(bootstrap.DataDir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist site secret: %w", err)
	}
	return secret, nil
}
