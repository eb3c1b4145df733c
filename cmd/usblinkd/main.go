package main

import (
	"flag"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/usblink/usblink/pkg/config"
	"github.com/usblink/usblink/pkg/discover"
	"github.com/usblink/usblink/pkg/platform"
)

var rootCmd = &cobra.Command{
	Use:   "usblinkd",
	Short: "usblinkd is the device-facing core of a USB-over-network host",
	Long: `Discovers USB devices attached to this machine, tracks their
connect/disconnect lifecycle and executes transfers against claimed devices
on behalf of a protocol server.`,
	SilenceUsage: true,
}

var (
	flagConfig string
	flagFake   bool
)

func main() {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to config file (default: XDG config dir)")
	rootCmd.PersistentFlags().BoolVar(&flagFake, "fake", false, "Use an in-memory fake registry instead of real hardware")
	listCmd.Flags().BoolVar(&listStats, "stats", false, "Print engine diagnostics after listing")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.Execute()
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

// newEngine wires a discovery engine per the loaded configuration. The
// returned cleanup releases the platform registry as well.
func newEngine() (*discover.Engine, func(), error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}

	if flagFake {
		reg := fakeRegistry()
		eng := discover.New(reg, cfg.EngineConfig())
		return eng, func() { eng.Close() }, nil
	}

	reg, err := platform.NewGousbRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("could not open USB registry: %w", err)
	}
	eng := discover.New(reg, cfg.EngineConfig())
	return eng, func() {
		eng.Close()
		reg.Close()
	}, nil
}

// fakeRegistry builds the in-memory registry used by --fake runs.
func fakeRegistry() *platform.MemoryRegistry {
	reg := platform.NewMemoryRegistry()
	reg.AttachDevice(&platform.MemoryDevice{
		Location: 0x01000100, BusAddress: 1,
		VendorID: 0x05ac, ProductID: 0x1234,
		Class: 0xef, SubClass: 0x02, Protocol: 0x01,
		Speed:        3,
		Manufacturer: "Fake Systems", Product: "Fake Widget", Serial: "FW-0001",
	})
	reg.AttachDevice(&platform.MemoryDevice{
		Location: 0x02000200, BusAddress: 2,
		VendorID: 0x0bda, ProductID: 0x5678,
		Speed:   2,
		Product: "Fake Dongle",
	})
	return reg
}
