package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/broadify/bridge/internal/api"
	"github.com/broadify/bridge/internal/config"
	"github.com/broadify/bridge/internal/device"
	"github.com/broadify/bridge/internal/helper"
	"github.com/broadify/bridge/internal/logger"
	"github.com/broadify/bridge/internal/output"
	"github.com/broadify/bridge/internal/pattern"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge daemon",
	Long: `Start the bridge daemon: device hotplug tracking plus the REST API for
configuring hardware outputs and previewing the live frame bus.`,
	Example: `  # Start on the default port (8089)
  bridge serve

  # Start on a custom port with debug logging
  bridge serve --port 9090 --log-level debug

  # Start and immediately put colour bars on a local display
  bridge serve --test-pattern bars --kind display --width 1280 --height 720 --fps 30`,
	RunE: runServe,
}

var (
	serveTestPattern string
	serveOutput      outputFlags
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveTestPattern, "test-pattern", "", "configure an output at startup and feed it this pattern (bars, gradient, grid)")
	registerOutputFlags(serveCmd, &serveOutput)
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Println("Broadify Bridge - Hardware Video Output")
	fmt.Println("=======================================")

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	cfg := configMgr.Get()

	// Flags and BRIDGE_* env beat the config file, without persisting.
	if viper.IsSet("server_port") && viper.GetInt("server_port") > 0 {
		cfg.ServerPort = viper.GetInt("server_port")
	}
	if viper.IsSet("log_level") && viper.GetString("log_level") != "" {
		cfg.LogLevel = viper.GetString("log_level")
	}
	if viper.IsSet("helper_dir") && viper.GetString("helper_dir") != "" {
		cfg.HelperDir = viper.GetString("helper_dir")
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("serve")
	log.Info().Str("config", configMgr.Path()).Str("level", cfg.LogLevel).Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := device.NewCache()

	// Device tracking needs the DeckLink helper; the API still runs
	// without it, reporting an empty device list.
	if deckPath, err := helper.Locate(helper.DeckLinkHelper, cfg.HelperDir); err != nil {
		log.Warn().Err(err).Msg("DeckLink helper not found, device tracking disabled")
	} else {
		go watchDevices(ctx, deckPath, cache)
	}

	orch := output.New(output.Config{
		HelperDir:      cfg.HelperDir,
		SlotCount:      cfg.Framebus.SlotCount,
		ReadyTimeout:   cfg.Output.ReadyTimeout(),
		StopGrace:      cfg.Output.StopGrace(),
		MaxRestarts:    cfg.Output.MaxRestarts,
		RestartBackoff: cfg.Output.RestartBackoff(),
	})
	defer orch.Teardown()

	server := api.NewServer(cache, orch, configMgr, Version)
	go func() {
		if err := server.Start(cfg.ServerPort); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	if serveTestPattern != "" {
		if err := startPatternFeed(ctx, orch, serveTestPattern, &serveOutput); err != nil {
			return err
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info().Int("port", cfg.ServerPort).Msgf("Bridge is running at http://localhost:%d", cfg.ServerPort)

	<-sigChan

	log.Info().Msg("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown incomplete")
	}
	return nil
}

// watchDevices keeps a device watch running for the life of the daemon,
// restarting the helper after a crash.
func watchDevices(ctx context.Context, binPath string, cache *device.Cache) {
	log := logger.WithComponent("serve")
	for {
		w, err := helper.Watch(ctx, binPath)
		if err != nil {
			log.Warn().Err(err).Msg("Device watch failed to start")
		} else {
			drainWatch(ctx, w, cache)
			w.Close()
			if err := w.Err(); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Device watch ended")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func drainWatch(ctx context.Context, w *helper.Watcher, cache *device.Cache) {
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			cache.Apply(ev)
		case <-ctx.Done():
			return
		}
	}
}

// startPatternFeed configures the output described by flags and feeds it
// generated frames until ctx is cancelled.
func startPatternFeed(ctx context.Context, orch *output.Orchestrator, patternName string, flags *outputFlags) error {
	kind, err := pattern.ParseKind(patternName)
	if err != nil {
		return err
	}
	target, err := flags.target()
	if err != nil {
		return err
	}
	format := flags.format()

	gen, err := pattern.NewGenerator(kind, int(format.Width), int(format.Height), string(target.Kind))
	if err != nil {
		return err
	}
	if err := orch.ConfigureOutput(ctx, target, format); err != nil {
		return fmt.Errorf("failed to configure test output: %w", err)
	}

	go feedPattern(ctx, orch, gen, format.FPS)
	return nil
}

func feedPattern(ctx context.Context, orch *output.Orchestrator, gen *pattern.Generator, fps uint32) {
	if fps == 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			orch.SendFrame(gen.Next(now), uint64(now.UnixNano()))
		}
	}
}
