package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrex/appointment-service/internal/scheduling"
	"github.com/medrex/appointment-service/pkg/config"
	"github.com/medrex/appointment-service/pkg/database"
	"github.com/medrex/appointment-service/pkg/logger"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "appointment-service",
		Short: "Clinic appointment booking service",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (defaults to ./config.yaml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the appointment HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*configPath)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	var drop bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the appointments schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(*configPath)
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			db, err := database.NewConnection(ctx, &cfg.Database, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if drop {
				if err := db.DropSchema(ctx); err != nil {
					return fmt.Errorf("drop schema: %w", err)
				}
				log.Warn("Dropped appointments schema")
			}
			if err := db.CreateSchema(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info("Appointments schema is up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&drop, "drop", false, "Drop the existing schema first")
	return cmd
}

func runServer(configPath string) error {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := scheduling.NewServer(ctx, cfg, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("Appointment service failed")
			return err
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down appointment service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return err
	}
	log.Info("Appointment service stopped")
	return nil
}
