package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/broadify/bridge/internal/device"
	"github.com/broadify/bridge/internal/helper"
)

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List the display modes a device port supports",
	Example: `  # All modes on the first port of a device
  bridge modes --device dl-0

  # 1080-class modes on a specific port, keying-capable only
  bridge modes --device dl-0 --port dl-0-sdi --height 1080 --keying

  # JSON output
  bridge modes --device dl-0 --json`,
	RunE: runModes,
}

var (
	modesDevice string
	modesPort   string
	modesWidth  int
	modesHeight int
	modesFPS    float64
	modesKeying bool
	modesJSON   bool
)

func init() {
	rootCmd.AddCommand(modesCmd)

	modesCmd.Flags().StringVar(&modesDevice, "device", "", "device ID (required)")
	modesCmd.Flags().StringVar(&modesPort, "port", "", "output port ID (default: first port of the device)")
	modesCmd.Flags().IntVar(&modesWidth, "width", 0, "only modes with this width")
	modesCmd.Flags().IntVar(&modesHeight, "height", 0, "only modes with this height")
	modesCmd.Flags().Float64Var(&modesFPS, "fps", 0, "only modes with this frame rate")
	modesCmd.Flags().BoolVar(&modesKeying, "keying", false, "only modes usable with keying")
	modesCmd.Flags().BoolVar(&modesJSON, "json", false, "output JSON instead of a table")
	modesCmd.MarkFlagRequired("device")
}

func runModes(cmd *cobra.Command, args []string) error {
	binPath, err := locateDeckLinkHelper()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	port := modesPort
	if port == "" {
		port, err = defaultPort(ctx, binPath, modesDevice)
		if err != nil {
			return err
		}
	}

	modes, err := helper.ListModes(ctx, binPath, helper.ModeQuery{
		DeviceID: modesDevice,
		PortID:   port,
		Width:    modesWidth,
		Height:   modesHeight,
		FPS:      modesFPS,
		Keying:   modesKeying,
	})
	if err != nil {
		return fmt.Errorf("failed to list modes: %w", err)
	}

	if modesJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(modes)
	}

	if len(modes) == 0 {
		fmt.Printf("No matching modes on %s port %s\n", modesDevice, port)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "MODE\tRESOLUTION\tFPS\tSCAN\tPIXEL FORMATS")
	fmt.Fprintln(w, "----\t----------\t---\t----\t-------------")
	for _, m := range modes {
		fmt.Fprintf(w, "%s\t%dx%d\t%.6g\t%s\t%s\n",
			m.Name, m.Width, m.Height, m.FPS, m.FieldDominance,
			strings.Join(m.PixelFormats, ","))
	}

	return nil
}

// defaultPort picks the first derived port of the device so plain
// `bridge modes --device dl-0` works without knowing port IDs.
func defaultPort(ctx context.Context, binPath, deviceID string) (string, error) {
	devices, err := helper.ListDevices(ctx, binPath)
	if err != nil {
		return "", fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.ID != deviceID {
			continue
		}
		ports := device.PortsOf(d)
		if len(ports) == 0 {
			return "", fmt.Errorf("device %s has no output ports", deviceID)
		}
		return ports[0].ID, nil
	}
	return "", fmt.Errorf("no such device: %s", deviceID)
}
