package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listStats bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate attached USB devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := newEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		devices, err := eng.DiscoverDevices()
		if err != nil {
			return fmt.Errorf("enumeration failed: %w", err)
		}

		fmt.Printf("%-10s %-9s %-8s %-8s %s\n", "DEVICE", "VID:PID", "CLASS", "SPEED", "PRODUCT")
		for _, d := range devices {
			name := d.Product
			if d.Manufacturer != "" {
				name = d.Manufacturer + " " + name
			}
			fmt.Printf("%-10s %04x:%04x %02x/%02x/%02x %-8s %s\n",
				d.Key(), d.VendorID, d.ProductID,
				d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol,
				d.Speed, name)
		}

		if listStats {
			s := eng.Stats()
			fmt.Printf("\nstate=%s connected=%d skipped=%d matchers: borrows=%d returns=%d misses=%d peak=%d\n",
				s.State, s.Connected, s.Skipped,
				s.Matchers.Borrows, s.Matchers.Returns, s.Matchers.Misses, s.Matchers.Peak)
		}
		return nil
	},
}
