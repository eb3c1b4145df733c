package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usblink/usblink/pkg/usb"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch device connect/disconnect events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := newEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		eng.SetCallbacks(
			func(d *usb.DeviceDescriptor) {
				slog.Info("connected", "device", d.Key().String(), "vid", d.VendorID, "pid", d.ProductID, "product", d.Product)
			},
			func(d *usb.DeviceDescriptor) {
				slog.Info("disconnected", "device", d.Key().String(), "minimal", d.Minimal())
			},
		)

		if err := eng.StartNotifications(); err != nil {
			return err
		}
		slog.Info("monitoring for device events, ^C to stop")

		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
		<-sigC

		return eng.StopNotifications()
	},
}
