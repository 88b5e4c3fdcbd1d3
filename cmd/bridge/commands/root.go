package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "bridge",
		Short: "Broadify Bridge - Hardware video output daemon",
		Long: `Broadify Bridge drives broadcast hardware and fullscreen displays from a
rendered video feed.

Features:
  • Output to Blackmagic DeckLink devices (SDI/HDMI, external fill+key)
  • Fullscreen output on a local display via X11
  • Shared-memory frame bus between renderer and output helpers
  • Device hotplug tracking
  • REST API with live MJPEG preview
  • Built-in test patterns for signal checks`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/broadify-bridge/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "API server port (default is 8089)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("helper-dir", "", "directory holding the native helper binaries")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("helper_dir", rootCmd.PersistentFlags().Lookup("helper-dir"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix("BRIDGE")
	viper.AutomaticEnv()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
