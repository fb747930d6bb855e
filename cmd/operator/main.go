package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/cubeops/operator/domain/operator"
	"github.com/cubeops/operator/pkg/api"
	"github.com/cubeops/operator/pkg/channel"
	"github.com/cubeops/operator/pkg/collision"
	"github.com/cubeops/operator/pkg/config"
	"github.com/cubeops/operator/pkg/dataset"
	"github.com/cubeops/operator/pkg/device"
	customlog "github.com/cubeops/operator/pkg/log"
	"github.com/cubeops/operator/pkg/recorder"
	"github.com/cubeops/operator/pkg/telemetry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "operator",
	Short:         "Teleoperation and episode recording service for a Core Cube robot",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "operator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	logger, err := customlog.NewLogrusLogger(cfg.Logging.Level, cfg.Logging.LogPath)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Infof("Starting operator for robot %s", cfg.RobotID)

	// Root context canceled on SIGINT/SIGTERM; everything hangs off it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	livenessTimeout := time.Duration(cfg.Server.LivenessTimeoutSec * float64(time.Second))
	state := channel.NewState(livenessTimeout)

	var rec *recorder.Recorder
	if cfg.Recording.Enabled {
		store := dataset.NewStore(cfg.Recording.OutputDir, cfg.Recording.DatasetName, cfg.Control.RateHz, logger)
		fsm := collision.New(collision.ProgressCounted{MaxFrames: cfg.Collision.MaxFrames})
		rec = recorder.New(store, fsm, cfg.Recording.Task, logger)
		logger.Infof("Recording to %s", store.Dir())
	}

	publisher, err := telemetry.New(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	mailbox := &collision.Mailbox{}
	dev, err := device.Connect(ctx, cfg.Robot, mailbox, logger)
	if err != nil {
		publisher.Close()
		return fmt.Errorf("failed to connect to robot: %w", err)
	}

	service := operator.New(cfg, dev, state, mailbox, rec, publisher, logger)

	app := newApp(cfg, state, service, logger)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Infof("Channel server listening on %s", addr)
		if err := app.Listen(addr); err != nil {
			logger.Errorf("Channel server stopped: %v", err)
			stop()
		}
	}()

	// Run owns device shutdown: final stop command, episode flush, close.
	runErr := service.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Errorf("Channel server forced to shut down: %v", err)
	}

	logger.Infof("Operator exited")
	return runErr
}

// newApp builds the HTTP/WebSocket surface: the stick channel on /ws and a
// small read-only API for health, config and recorder statistics.
func newApp(cfg *config.Config, state *channel.State, service *operator.Service, logger customlog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Cube Operator",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/", api.StatusHandler(cfg.RobotID))
	app.Get("/health", api.HealthHandler)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		api.ChannelWebSocketHandler(conn, logger, state)
	}))

	apiGroup := app.Group("/api")
	apiGroup.Get("/config", api.ConfigHandler(cfg))
	var stats api.StatsProvider
	if cfg.Recording.Enabled {
		stats = service
	}
	apiGroup.Get("/recorder/stats", api.RecorderStatsHandler(stats))

	return app
}
