package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/broadify/bridge/internal/config"
	"github.com/broadify/bridge/internal/logger"
	"github.com/broadify/bridge/internal/output"
)

var outputCmd = &cobra.Command{
	Use:   "output",
	Short: "Drive hardware outputs directly",
	Long:  `Configure an output and feed it without going through the REST API.`,
}

var outputTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Put a test pattern on an output",
	Long: `Configure the given output and feed it a generated test pattern until
interrupted. Useful for checking signal paths and cabling.`,
	Example: `  # Colour bars on the local display
  bridge output test --kind display --width 1280 --height 720 --fps 30

  # Moving gradient on a DeckLink SDI port
  bridge output test --kind decklink --device dl-0 --port dl-0-sdi \
      --width 1920 --height 1080 --fps 50 --pattern gradient`,
	RunE: runOutputTest,
}

var (
	outputTestPattern string
	outputTestFlags   outputFlags
)

func init() {
	rootCmd.AddCommand(outputCmd)
	outputCmd.AddCommand(outputTestCmd)

	outputTestCmd.Flags().StringVar(&outputTestPattern, "pattern", "bars", "pattern to generate (bars, gradient, grid)")
	registerOutputFlags(outputTestCmd, &outputTestFlags)
}

// outputFlags is the flag set shared by every command that configures an
// output target.
type outputFlags struct {
	kind         string
	device       string
	port         string
	keyPort      string
	displayIndex int
	width        int
	height       int
	fps          int
	colorspace   string
	colorRange   string
	transport    string
}

func registerOutputFlags(cmd *cobra.Command, f *outputFlags) {
	cmd.Flags().StringVar(&f.kind, "kind", "display", "output kind (display or decklink)")
	cmd.Flags().StringVar(&f.device, "device", "", "DeckLink device ID")
	cmd.Flags().StringVar(&f.port, "output-port", "", "DeckLink output port ID (fill port when keying)")
	cmd.Flags().StringVar(&f.keyPort, "key-port", "", "DeckLink key port ID, enables external keying")
	cmd.Flags().IntVar(&f.displayIndex, "display-index", 0, "display to open the fullscreen window on")
	cmd.Flags().IntVar(&f.width, "width", 1920, "frame width in pixels")
	cmd.Flags().IntVar(&f.height, "height", 1080, "frame height in pixels")
	cmd.Flags().IntVar(&f.fps, "fps", 30, "frame rate")
	cmd.Flags().StringVar(&f.colorspace, "colorspace", "", "colorspace (auto, rec601, rec709, rec2020)")
	cmd.Flags().StringVar(&f.colorRange, "range", "", "signal range (legal or full)")
	cmd.Flags().StringVar(&f.transport, "transport", "", "frame transport (auto, framebus, stdin)")
}

func (f *outputFlags) target() (output.Target, error) {
	kind, err := output.ParseTargetKind(f.kind)
	if err != nil {
		return output.Target{}, err
	}
	return output.Target{
		Kind:         kind,
		DeviceID:     f.device,
		PortID:       f.port,
		KeyPortID:    f.keyPort,
		DisplayIndex: f.displayIndex,
	}, nil
}

func (f *outputFlags) format() output.Format {
	return output.Format{
		Width:      uint32(f.width),
		Height:     uint32(f.height),
		FPS:        uint32(f.fps),
		Colorspace: f.colorspace,
		Range:      f.colorRange,
	}
}

// newOrchestrator builds an orchestrator from the config file plus CLI
// overrides, for commands that drive outputs without the daemon.
func newOrchestrator(transport string) (*output.Orchestrator, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()
	if viper.IsSet("helper_dir") && viper.GetString("helper_dir") != "" {
		cfg.HelperDir = viper.GetString("helper_dir")
	}
	if viper.IsSet("log_level") && viper.GetString("log_level") != "" {
		cfg.LogLevel = viper.GetString("log_level")
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)

	return output.New(output.Config{
		HelperDir:      cfg.HelperDir,
		SlotCount:      cfg.Framebus.SlotCount,
		ReadyTimeout:   cfg.Output.ReadyTimeout(),
		StopGrace:      cfg.Output.StopGrace(),
		MaxRestarts:    cfg.Output.MaxRestarts,
		RestartBackoff: cfg.Output.RestartBackoff(),
		Transport:      output.Transport(transport),
	}), nil
}

func runOutputTest(cmd *cobra.Command, args []string) error {
	orch, err := newOrchestrator(outputTestFlags.transport)
	if err != nil {
		return err
	}
	defer orch.Teardown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := startPatternFeed(ctx, orch, outputTestPattern, &outputTestFlags); err != nil {
		return err
	}

	st := orch.Status()
	fmt.Printf("Feeding %s to %s output", outputTestPattern, outputTestFlags.kind)
	if st.BusName != "" {
		fmt.Printf(" over bus %s", st.BusName)
	}
	fmt.Println(" (Ctrl+C to stop)")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	cancel()
	st = orch.Status()
	fmt.Printf("\nSent %d frames (%d dropped)\n", st.FramesSent, st.FramesDropped)
	return nil
}
