// Package common implements common keyguard command options.
package common

import (
	"fmt"
	"io"
	"os"

	"github.com/restakefi/keyguard/config"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/storage"
	"github.com/restakefi/keyguard/storage/client"
	"github.com/restakefi/keyguard/storage/memory"
	"github.com/restakefi/keyguard/storage/postgres"
)

var rootLogger = log.NewDefaultLogger("keyguard")

// Init initializes the common environment.
func Init(cfg *config.Config) error {
	var w io.Writer = os.Stdout
	format := log.FmtJSON
	level := log.LevelDebug

	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if err := format.Set(cfg.Log.Format); err != nil {
			return err
		}
		if err := level.Set(cfg.Log.Level); err != nil {
			return err
		}
	}
	logger, err := log.NewLogger("keyguard", w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	if cfg.Metrics != nil && cfg.Metrics.PprofEndpoint != "" {
		startPprof(cfg.Metrics.PprofEndpoint)
	}
	return nil
}

// RootLogger returns the logger defined by logging flags.
func RootLogger() *log.Logger {
	return rootLogger
}

func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stdout, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewStorage opens the daemon state store selected by the storage backend.
func NewStorage(cfg *config.StorageConfig, logger *log.Logger) (storage.Storage, error) {
	var backend config.StorageBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return nil, err
	}

	switch backend {
	case config.BackendPostgres:
		db, err := postgres.NewClient(cfg.Endpoint, logger)
		if err != nil {
			return nil, err
		}
		return client.NewStorageClient(db, logger), nil
	case config.BackendInMemory:
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %v", backend.String())
	}
}
