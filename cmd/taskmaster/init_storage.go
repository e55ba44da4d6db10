package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskmaster/config"
	"taskmaster/storage"
)

var initStorageCmd = &cobra.Command{
	Use:   "init-storage",
	Short: "Create the tables and queues the configured backend needs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		return initStorage(ctx, cfg)
	},
}

func initStorage(ctx context.Context, cfg config.Config) error {
	switch cfg.StorageBackend {
	case config.BackendSQLite:
		st, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return err
		}
		log.WithField("path", cfg.SQLitePath).Info("sqlite schema ready")
		return st.Close()
	case config.BackendAzTables:
		if err := storage.CreateTables(ctx, cfg.StorageConnectionString, []string{cfg.TasksTable}); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
		if cfg.EventsQueue != "" {
			if err := storage.CreateQueues(ctx, cfg.StorageConnectionString, []string{cfg.EventsQueue}); err != nil {
				return fmt.Errorf("create queues: %w", err)
			}
		}
		log.WithFields(log.Fields{"table": cfg.TasksTable, "queue": cfg.EventsQueue}).Info("azure storage ready")
		return nil
	default:
		log.Info("memory backend needs no provisioning")
		return nil
	}
}
