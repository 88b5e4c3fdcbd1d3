package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/broadify/bridge/internal/config"
	"github.com/broadify/bridge/internal/device"
	"github.com/broadify/bridge/internal/helper"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect attached output devices",
	Long:  `List and watch the DeckLink output devices attached to this machine.`,
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached output devices",
	Example: `  # List devices in table format (default)
  bridge devices list

  # List devices with ports in JSON format
  bridge devices list --json`,
	RunE: runDevicesList,
}

var devicesWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream device hotplug events",
	Long: `Print the current device snapshot, then one line per device arrival or
departure until interrupted.`,
	RunE: runDevicesWatch,
}

var devicesJSON bool

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesWatchCmd)

	devicesCmd.PersistentFlags().BoolVar(&devicesJSON, "json", false, "output JSON instead of a table")
}

// locateDeckLinkHelper resolves the enumeration helper using the config
// file plus any --helper-dir / BRIDGE_HELPER_DIR override.
func locateDeckLinkHelper() (string, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	dir := configMgr.Get().HelperDir
	if viper.IsSet("helper_dir") && viper.GetString("helper_dir") != "" {
		dir = viper.GetString("helper_dir")
	}
	return helper.Locate(helper.DeckLinkHelper, dir)
}

func runDevicesList(cmd *cobra.Command, args []string) error {
	binPath, err := locateDeckLinkHelper()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	devices, err := helper.ListDevices(ctx, binPath)
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}

	if devicesJSON {
		type entry struct {
			helper.Device
			Ports []device.Port `json:"ports"`
		}
		entries := make([]entry, 0, len(devices))
		for _, d := range devices {
			entries = append(entries, entry{Device: d, Ports: device.PortsOf(d)})
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	return printDevicesTable(devices)
}

func printDevicesTable(devices []helper.Device) error {
	if len(devices) == 0 {
		fmt.Println("No output devices found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tNAME\tCONNECTIONS\tPLAYBACK\tKEYING\tBUSY")
	fmt.Fprintln(w, "--\t----\t-----------\t--------\t------\t----")

	for _, d := range devices {
		keying := "none"
		switch {
		case d.SupportsExternalKeying && d.SupportsInternalKeying:
			keying = "internal+external"
		case d.SupportsExternalKeying:
			keying = "external"
		case d.SupportsInternalKeying:
			keying = "internal"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.DisplayName,
			strings.Join(d.VideoOutputConnections, ","),
			yesNo(d.SupportsPlayback), keying, yesNo(d.Busy))
	}

	return nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func runDevicesWatch(cmd *cobra.Command, args []string) error {
	binPath, err := locateDeckLinkHelper()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := helper.Watch(ctx, binPath)
	if err != nil {
		return fmt.Errorf("failed to start device watch: %w", err)
	}
	defer w.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	encoder := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-sigChan:
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return w.Err()
			}
			printWatchEvent(encoder, ev)
		}
	}
}

// watchLine mirrors the helper wire shape so --json output round-trips.
type watchLine struct {
	Type    string          `json:"type"`
	Devices []helper.Device `json:"devices,omitempty"`
	Device  *helper.Device  `json:"device,omitempty"`
	Message string          `json:"message,omitempty"`
}

func printWatchEvent(encoder *json.Encoder, ev helper.Event) {
	if devicesJSON {
		switch e := ev.(type) {
		case helper.DevicesEvent:
			encoder.Encode(watchLine{Type: "devices", Devices: e.Devices})
		case helper.DeviceAddedEvent:
			encoder.Encode(watchLine{Type: "device_added", Device: &e.Device})
		case helper.DeviceRemovedEvent:
			encoder.Encode(watchLine{Type: "device_removed", Device: &e.Device})
		case helper.ErrorEvent:
			encoder.Encode(watchLine{Type: "error", Message: e.Message})
		}
		return
	}

	now := time.Now().Format("15:04:05")
	switch e := ev.(type) {
	case helper.DevicesEvent:
		fmt.Printf("%s  snapshot: %d device(s)\n", now, len(e.Devices))
		for _, d := range e.Devices {
			fmt.Printf("%s    %s  %s\n", now, d.ID, d.DisplayName)
		}
	case helper.DeviceAddedEvent:
		fmt.Printf("%s  added:   %s  %s\n", now, e.Device.ID, e.Device.DisplayName)
	case helper.DeviceRemovedEvent:
		fmt.Printf("%s  removed: %s  %s\n", now, e.Device.ID, e.Device.DisplayName)
	case helper.ErrorEvent:
		fmt.Printf("%s  error:   %s\n", now, e.Message)
	}
}
