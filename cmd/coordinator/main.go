// Command coordinator runs the agent coordination engine: the service
// that accepts agent connections over the messaging plane, tracks their
// lifecycle in the registry, schedules tasks against them, and exposes
// the coordinator's external API over gRPC.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stricklysoft/agentcoord/internal/capindex"
	"github.com/stricklysoft/agentcoord/internal/coordinator"
	"github.com/stricklysoft/agentcoord/internal/depgraph"
	"github.com/stricklysoft/agentcoord/internal/messaging"
	"github.com/stricklysoft/agentcoord/internal/scheduler"
	"github.com/stricklysoft/agentcoord/internal/snapshot"
	"github.com/stricklysoft/agentcoord/pkg/auth"
	"github.com/stricklysoft/agentcoord/pkg/clients/minio"
	"github.com/stricklysoft/agentcoord/pkg/clients/neo4j"
	"github.com/stricklysoft/agentcoord/pkg/clients/postgres"
	"github.com/stricklysoft/agentcoord/pkg/clients/qdrant"
	"github.com/stricklysoft/agentcoord/pkg/clients/redis"
	"github.com/stricklysoft/agentcoord/pkg/config"
)

// appConfig is the top-level configuration loaded from environment
// variables and an optional config file: the coordinator's own
// tunables plus connection settings for its backing stores. A postgres
// connection (task archive) is always attempted; minio, qdrant, neo4j,
// and redis are each gated by their own Enable* flag. A failure to
// connect to any of them is logged and startup continues without it.
type appConfig struct {
	Coordinator coordinator.Config

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8443"`

	Postgres postgres.Config
	Auth     auth.ValidatorConfig

	EnableNeo4j bool `env:"ENABLE_NEO4J" envDefault:"false"`
	Neo4j       neo4j.Config

	EnableMinio bool `env:"ENABLE_MINIO" envDefault:"false"`
	Minio       minio.Config

	EnableQdrant bool `env:"ENABLE_QDRANT" envDefault:"false"`
	Qdrant       qdrant.Config

	EnableRedis bool `env:"ENABLE_REDIS" envDefault:"false"`
	Redis       redis.Config
	ReplicaID   string `env:"REPLICA_ID" envDefault:"coordinator-0"`

	SnapshotConfig snapshot.Config
	CapIndexConfig capindex.Config
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.MustLoad[appConfig](config.New().WithEnvPrefix("AGENTCOORD").WithFile(configFilePath()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := buildOptions(ctx, cfg, logger)

	c := coordinator.New(cfg.Coordinator, opts...)

	if err := c.Start(ctx); err != nil {
		logger.Error("coordinator: failed to start", "error", err)
		os.Exit(1)
	}
	logger.Info("coordinator: started")

	validator, err := auth.NewJWTValidator(cfg.Auth)
	if err != nil {
		logger.Error("coordinator: failed to construct token validator", "error", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("coordinator: failed to listen", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}

	server := messaging.NewServer(validator, hubFrom(c))
	go func() {
		logger.Info("coordinator: serving", "addr", cfg.ListenAddr)
		if err := server.Serve(lis); err != nil {
			logger.Error("coordinator: gRPC server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("coordinator: shutdown signal received, draining")

	server.GracefulStop()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.DrainTimeout+5*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		logger.Error("coordinator: error during shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("coordinator: stopped cleanly")
}

// configFilePath returns the config file path from AGENTCOORD_CONFIG_FILE,
// or empty (file loading disabled) if unset.
func configFilePath() string {
	return os.Getenv("AGENTCOORD_CONFIG_FILE")
}

// buildOptions constructs the coordinator options for every enabled
// backing store, logging and skipping (rather than failing startup)
// any optional collaborator that cannot be reached — per the design
// that persisted state and the capability index are never required
// for correctness.
func buildOptions(ctx context.Context, cfg appConfig, logger *slog.Logger) []coordinator.Option {
	opts := []coordinator.Option{coordinator.WithLogger(logger)}

	pgClient, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		logger.Error("coordinator: failed to connect to postgres (task archive disabled)", "error", err)
	} else {
		opts = append(opts, coordinator.WithArchiver(scheduler.NewPostgresArchiver(pgClient)))
	}

	if cfg.EnableNeo4j {
		neoClient, err := neo4j.NewClient(ctx, cfg.Neo4j)
		if err != nil {
			logger.Error("coordinator: failed to connect to neo4j (graph persistence disabled)", "error", err)
		} else {
			opts = append(opts, coordinator.WithGraphStore(depgraph.NewStore(neoClient)))
		}
	}

	if cfg.EnableMinio {
		minioClient, err := minio.NewClient(ctx, cfg.Minio)
		if err != nil {
			logger.Error("coordinator: failed to connect to minio (snapshots disabled)", "error", err)
		} else {
			opts = append(opts, coordinator.WithSnapshotStore(snapshot.NewStore(minioClient, cfg.SnapshotConfig)))
		}
	}

	if cfg.EnableQdrant {
		qdrantClient, err := qdrant.NewClient(ctx, cfg.Qdrant)
		if err != nil {
			logger.Error("coordinator: failed to connect to qdrant (capability index disabled)", "error", err)
		} else {
			opts = append(opts, coordinator.WithCapIndex(capindex.NewIndex(qdrantClient, cfg.CapIndexConfig)))
		}
	}

	if cfg.EnableRedis {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Error("coordinator: failed to connect to redis (cross-replica presence disabled)", "error", err)
		} else {
			opts = append(opts, coordinator.WithPresence(messaging.NewPresence(redisClient, cfg.ReplicaID)))
		}
	}

	return opts
}

// hubFrom exposes the coordinator's internally constructed hub for
// transport registration. The coordinator owns the hub's lifecycle
// (Start/Stop); the gRPC server only needs a reference to register the
// MessagingServer implementation.
func hubFrom(c *coordinator.Coordinator) *messaging.Hub {
	return c.Hub()
}
