package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalkeep/internal/accounts"
	"github.com/xkilldash9x/portalkeep/internal/config"
	"github.com/xkilldash9x/portalkeep/internal/locks"
	"github.com/xkilldash9x/portalkeep/internal/observability"
	"github.com/xkilldash9x/portalkeep/internal/portal"
	"github.com/xkilldash9x/portalkeep/internal/schedule"
	"github.com/xkilldash9x/portalkeep/internal/scheduler"
	"github.com/xkilldash9x/portalkeep/internal/session"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the session refresh scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := loadedConfig

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			if err := components.Scheduler.Start(ctx); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			logger.Info("Refresh scheduler running, waiting for shutdown signal")
			<-ctx.Done()

			logger.Info("Shutdown signal received, draining in-flight refreshes")
			components.Scheduler.Stop()
			return nil
		},
	}
	return runCmd
}

// runComponents holds the initialized services for the run command.
type runComponents struct {
	DBPool    *pgxpool.Pool
	Redis     *redis.Client
	Scheduler *scheduler.Scheduler
}

// Shutdown closes the stores after the scheduler has stopped.
func (rc *runComponents) Shutdown() {
	if rc.Redis != nil {
		if err := rc.Redis.Close(); err != nil {
			observability.GetLogger().Warn("Error closing redis client", zap.Error(err))
		}
	}
	if rc.DBPool != nil {
		rc.DBPool.Close()
	}
}

// initializeComponents handles dependency injection for the refresh service.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL is not configured (PORTALKEEP_DATABASE_URL)")
	}
	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	components.DBPool = dbPool

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbPool.Ping(pingCtx); err != nil {
		return components, fmt.Errorf("database unreachable: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	components.Redis = redisClient
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return components, fmt.Errorf("redis unreachable: %w", err)
	}

	directory := accounts.NewDirectory(dbPool, logger)
	sessions := session.NewStore(dbPool, cfg.Scheduler.RefreshBuffer, cfg.Portal.SessionCookies, logger)
	scheduleStore := schedule.NewStore(redisClient, logger)

	owner, _ := os.Hostname()
	if owner == "" {
		owner = "portalkeep"
	}
	lockService := locks.NewService(redisClient, cfg.Scheduler.LoginFlagTTL, owner, logger)

	keepAlive := portal.NewKeepAliveClient(cfg.Portal, sessions, scheduleStore, cfg.Scheduler.MinSleep, logger)
	login := portal.NewLoginClient(cfg.Portal, cfg.Browser, logger)

	engine := scheduler.NewEngine(sessions, scheduleStore, lockService, keepAlive, login, cfg.Scheduler, scheduler.SystemClock)

	components.Scheduler = scheduler.New(scheduler.Deps{
		Directory: directory,
		Schedule:  scheduleStore,
		Processor: engine,
	}, cfg.Scheduler)

	return components, nil
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
