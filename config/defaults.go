package config

import (
	"time"

	"github.com/atelierhq/conductor/checkpoint"
	"github.com/atelierhq/conductor/dispatch"
	"github.com/atelierhq/conductor/router"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRetries:    3,
			MaxIterations: 5,
		},
		Router:   router.Config{},
		Dispatch: dispatch.DefaultConfig(),
		Checkpoint: CheckpointConfig{
			Backend:   "memory",
			KeyPrefix: "conductor",
			Triggers:  checkpoint.DefaultTriggerConfig(),
		},
		Approval: ApprovalConfig{
			DefaultTimeout: 0,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Host:            "localhost",
			Port:            5432,
			User:            "conductor",
			Name:            "conductor",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "conductor",
			Collection: "workflow_checkpoints",
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "conductor",
			SampleRate:  1.0,
		},
	}
}
