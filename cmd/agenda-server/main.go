package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/equidadeplus/agenda/internal/config"
	"github.com/equidadeplus/agenda/internal/domain/agenda"
	"github.com/equidadeplus/agenda/internal/domain/notes"
	"github.com/equidadeplus/agenda/internal/platform/auth"
	"github.com/equidadeplus/agenda/internal/platform/db"
	"github.com/equidadeplus/agenda/internal/platform/middleware"
	"github.com/equidadeplus/agenda/internal/platform/realtime"
	"github.com/equidadeplus/agenda/internal/platform/tenant"
	"github.com/equidadeplus/agenda/internal/platform/websocket"
	"github.com/equidadeplus/agenda/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agenda-server",
		Short: "EquidadePlus agenda API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(unitCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agenda API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// withPool loads the config and hands a connected pool to fn.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func unitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Manage care units",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a care unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			admin, _ := cmd.Flags().GetString("admin")
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}
			var adminID *uuid.UUID
			if admin != "" {
				id, err := uuid.Parse(admin)
				if err != nil {
					return fmt.Errorf("--admin must be a profile id: %w", err)
				}
				adminID = &id
			}

			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				id, err := createUnit(ctx, db.NewTransactor(pool), pool, name, adminID)
				if err != nil {
					return err
				}
				fmt.Printf("Unit created: %s\n", id)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Unit display name")
	createCmd.Flags().String("admin", "", "Profile id to enrol as the unit admin")

	cmd.AddCommand(createCmd)
	return cmd
}

func createUnit(ctx context.Context, tx db.Transactor, pool *pgxpool.Pool, name string, admin *uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.WithTx(ctx, func(ctx context.Context) error {
		conn := db.Conn(ctx, pool)
		if err := conn.QueryRow(ctx, `INSERT INTO units (name) VALUES ($1) RETURNING id`, strings.TrimSpace(name)).Scan(&id); err != nil {
			return fmt.Errorf("create unit: %w", err)
		}
		if admin == nil {
			return nil
		}
		_, err := conn.Exec(ctx, `INSERT INTO unit_members (unit_id, profile_id, role) VALUES ($1, $2, 'admin')`, id, *admin)
		if err != nil {
			return fmt.Errorf("enrol unit admin: %w", err)
		}
		return nil
	})
	return id, err
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// authMiddleware verifies bearer tokens. Development without a signing key
// runs every request as an admin.
func authMiddleware(cfg *config.Config, logger zerolog.Logger) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, using development auth")
		return auth.DevAuthMiddleware("")
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", tenant.UnitHeader},
		ExposeHeaders: []string{agenda.DegradedHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	apiV1 := e.Group("/api/v1", authMiddleware(cfg, logger), tenant.Middleware(cfg.DefaultUnit))

	// Notes
	noteSvc := notes.NewService(notes.NewRepoPG(pool))

	// Agenda
	store := agenda.NewStore(agenda.NewRepoPG(pool), noteSvc, cfg.FetchTimeout, logger)
	agendaSvc := agenda.NewService(store, agenda.NewValidator())
	ctrl := agenda.NewController(store, noteSvc, db.NewTransactor(pool), logger)
	agenda.NewHandler(agendaSvc, ctrl).RegisterRoutes(apiV1)
	notes.NewHandler(noteSvc, agendaSvc).RegisterRoutes(apiV1)

	// Realtime
	feed := realtime.NewPGFeed(pool, logger)
	go func() {
		_ = feed.Run(ctx)
	}()

	hub := websocket.NewHub(logger)
	hub.Use(agenda.NewLiveSessions(store, feed, logger))
	bridge, err := agenda.BridgeChanges(feed, hub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bridge change feed")
	}
	defer bridge.Unsubscribe()
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	e.GET("/health/db", db.HealthHandler(pool))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
