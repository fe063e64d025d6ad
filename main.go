// TalonPulse — in-memory host metrics aggregation & health monitoring.
// Author: vesaa | License: MIT | https://github.com/vesaa/talonpulse
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vesaa/talonpulse/internal/agent"
	"github.com/vesaa/talonpulse/internal/config"
	"github.com/vesaa/talonpulse/internal/engine"
	"github.com/vesaa/talonpulse/internal/logging"
	"github.com/vesaa/talonpulse/internal/server"
	"github.com/vesaa/talonpulse/internal/sshpoll"
	"github.com/vesaa/talonpulse/internal/store"
)

const asciiLogo = `
 ████████╗ █████╗ ██╗      ██████╗ ███╗   ██╗██████╗ ██╗   ██╗██╗     ███████╗███████╗
 ╚══██╔══╝██╔══██╗██║     ██╔═══██╗████╗  ██║██╔══██╗██║   ██║██║     ██╔════╝██╔════╝
    ██║   ███████║██║     ██║   ██║██╔██╗ ██║██████╔╝██║   ██║██║     ███████╗█████╗
    ██║   ██╔══██║██║     ██║   ██║██║╚██╗██║██╔═══╝ ██║   ██║██║     ╚════██║██╔══╝
    ██║   ██║  ██║███████╗╚██████╔╝██║ ╚████║██║     ╚██████╔╝███████╗███████║███████╗
    ╚═╝   ╚═╝  ╚═╝╚══════╝ ╚═════╝ ╚═╝  ╚═══╝╚═╝      ╚═════╝ ╚══════╝╚══════╝╚══════╝
`

const version = "v0.2.0"

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

func printBanner(mode string) {
	fmt.Println(asciiLogo)
	fmt.Printf("  ► TalonPulse %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "talonpulse",
		Short: "TalonPulse — host metrics aggregation & health monitoring",
		Long: `TalonPulse is a single-binary C/S platform: agents push host snapshots,
the server keeps a short rolling history per host in memory and evaluates
health rules on demand.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default ./config.yaml or ~/.talonpulse/config.yaml)")

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the TalonPulse server (dual-port: 6677 control + 1616 data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return runServer(cmd.Context(), cfg, logger)
		},
	}

	// ── agent subcommand ──────────────────────────────────────────────────────
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the TalonPulse collector on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("AGENT")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			if join, _ := cmd.Flags().GetString("join"); join != "" {
				if !containsPort(join) {
					join = fmt.Sprintf("%s:%d", join, cfg.DataPort)
				}
				cfg.AgentJoinAddr = join
			}
			if token, _ := cmd.Flags().GetString("token"); token != "" {
				cfg.AgentOutboundToken = token
			}
			if iv, _ := cmd.Flags().GetInt("interval"); iv > 0 {
				cfg.AgentInterval = iv
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			a := agent.New(cfg, logger)
			fmt.Printf("  ✓ Joining server:  %s\n", cfg.AgentJoinAddr)
			fmt.Printf("  ✓ Agent id:        %s\n", a.AgentID())
			fmt.Printf("  ✓ Report interval: %ds\n\n", cfg.AgentInterval)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	agentCmd.Flags().String("join", "", "Data-plane address, e.g. 192.168.1.1 or 192.168.1.1:1616")
	agentCmd.Flags().String("token", "", "Pre-shared token for server authentication (overrides config)")
	agentCmd.Flags().Int("interval", 0, "Report interval in seconds (overrides config)")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print TalonPulse version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TalonPulse %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(serverCmd, agentCmd, versionCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// runServer wires the engine, the optional inventory store, both HTTP planes,
// the stale sweeper and the SSH poller, and blocks until SIGINT/SIGTERM.
func runServer(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	var st *store.Store
	if cfg.DBDriver != "" {
		var err error
		st, err = store.Open(cfg.DBDriver, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer st.Close()
		logger.Info("Inventory store opened", zap.String("driver", cfg.DBDriver), zap.String("path", cfg.DBPath))
	}

	registry := engine.NewRegistry(cfg.RetentionSamples)
	opts := []engine.PipelineOption{engine.WithRecentAlerts(cfg.RecentAlerts)}
	var writer *store.Writer
	if st != nil {
		writer = store.NewWriter(st, cfg.StoreQueueSize, logger.Named("store"))
		opts = append(opts, engine.WithJournal(writer))
	}
	pipeline := engine.NewPipeline(registry, cfg.Thresholds, logger.Named("ingest"), opts...)
	query := engine.NewQueryService(registry, cfg.Thresholds, time.Duration(cfg.SampleIntervalSeconds)*time.Second)

	srv := server.New(server.Options{
		Query:       query,
		Pipeline:    pipeline,
		Store:       st,
		Writer:      writer,
		Logger:      logger.Named("http"),
		JWTSecret:   cfg.JWTSecret,
		AgentToken:  cfg.AgentToken,
		AdminUser:   cfg.AdminUser,
		AdminPass:   cfg.AdminPass,
		ControlAuth: cfg.ControlAuth,
	})
	defer srv.Hub().Close()

	gin.SetMode(gin.ReleaseMode)
	corsMiddleware := func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}

	// ── Control-plane engine (6677) ────────────────────────────────────────
	ctrlEngine := gin.New()
	ctrlEngine.Use(gin.Recovery(), corsMiddleware)
	srv.RegisterControlRoutes(ctrlEngine)
	server.RegisterStaticFiles(ctrlEngine)

	// ── Data-plane engine (1616) ───────────────────────────────────────────
	dataEngine := gin.New()
	dataEngine.Use(gin.Recovery())
	srv.RegisterDataRoutes(dataEngine)

	ctrlAddr := net.JoinHostPort(cfg.ServerHost, fmt.Sprint(cfg.ControlPort))
	dataAddr := net.JoinHostPort(cfg.ServerHost, fmt.Sprint(cfg.DataPort))

	fmt.Printf("  ✓ Control plane (Web UI + API) → http://%s\n", ctrlAddr)
	fmt.Printf("  ✓ Data    plane (Agent reports) → http://%s\n", dataAddr)
	fmt.Printf("  ✓ Retention: %d samples per channel\n\n", registry.Capacity())

	ctrlSrv := &http.Server{Addr: ctrlAddr, Handler: ctrlEngine, ReadHeaderTimeout: 10 * time.Second}
	dataSrv := &http.Server{Addr: dataAddr, Handler: dataEngine, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serve(ctrlSrv) })
	g.Go(func() error { return serve(dataSrv) })
	if writer != nil {
		g.Go(func() error { return writer.Run(ctx) })
	}

	sweeper := &engine.Sweeper{
		Registry:  registry,
		Interval:  time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		Threshold: time.Duration(cfg.StaleAfterSeconds) * time.Second,
		Logger:    logger.Named("sweeper"),
		OnEvict: func(agentID string) {
			pipeline.Forget(agentID)
			if st != nil {
				if err := st.MarkOffline(agentID); err != nil {
					logger.Warn("Failed to mark device offline", zap.String("agent_id", agentID), zap.Error(err))
				}
			}
		},
	}
	g.Go(func() error { return sweeper.Run(ctx) })

	if targets := sshTargets(cfg); len(targets) > 0 {
		poller := &sshpoll.Poller{
			Targets:  targets,
			Interval: time.Duration(cfg.SSHPollSeconds) * time.Second,
			Ingester: pipeline,
			Logger:   logger.Named("sshpoll"),
		}
		logger.Info("SSH polling enabled", zap.Int("targets", len(targets)))
		g.Go(func() error { return poller.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		fmt.Println("\n  → Shutting down gracefully…")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(ctrlSrv.Shutdown(sctx), dataSrv.Shutdown(sctx))
	})

	return g.Wait()
}

// serve runs s until Shutdown; a clean shutdown is not an error.
func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listening on %s: %w", s.Addr, err)
	}
	return nil
}

// sshTargets fills per-target credentials from the global SSH defaults.
func sshTargets(cfg *config.Config) []config.SSHTarget {
	out := make([]config.SSHTarget, 0, len(cfg.SSHTargets))
	for _, t := range cfg.SSHTargets {
		if t.User == "" {
			t.User = cfg.SSHUser
		}
		if t.KeyPath == "" && t.Password == "" {
			t.KeyPath = cfg.SSHKeyPath
		}
		out = append(out, t)
	}
	return out
}

// containsPort checks whether addr already has a port suffix.
func containsPort(addr string) bool {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return true
		}
		if addr[i] == '/' {
			break
		}
	}
	return false
}
