package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <busID:deviceID>",
	Short: "Show details for one device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		busID, deviceID, ok := strings.Cut(args[0], ":")
		if !ok {
			return fmt.Errorf("device must be given as busID:deviceID")
		}

		eng, cleanup, err := newEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		d := eng.GetDevice(busID, deviceID)
		if d == nil {
			return fmt.Errorf("device %s not found", args[0])
		}

		fmt.Printf("Device:       %s\n", d.Key())
		fmt.Printf("Vendor ID:    0x%04x\n", d.VendorID)
		fmt.Printf("Product ID:   0x%04x\n", d.ProductID)
		fmt.Printf("Class:        %02x/%02x/%02x\n", d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol)
		fmt.Printf("Speed:        %s\n", d.Speed)
		if d.Manufacturer != "" {
			fmt.Printf("Manufacturer: %s\n", d.Manufacturer)
		}
		if d.Product != "" {
			fmt.Printf("Product:      %s\n", d.Product)
		}
		if d.SerialNumber != "" {
			fmt.Printf("Serial:       %s\n", d.SerialNumber)
		}
		return nil
	},
}
