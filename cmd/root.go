package cmd

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

const envPrefix = "TINYFLASH_"

var (
	devPath      string
	backend      string
	serial       string
	channel      uint8
	resetPin     uint8
	littleEndian bool
	maxPolls     int
	resetBridge  bool
)

var rootCmd = &cobra.Command{
	Use:   "tinyflash",
	Short: "ATtiny441/841 programmer for the CP2130 USB-to-SPI bridge",
	Long: `tinyflash programs ATtiny441/841 microcontrollers over their serial
programming interface, using a Silicon Labs CP2130 bridge for SPI and the
reset line.

Every flag can also be given as an environment variable, for example
TINYFLASH_DEV=10c4:87a0 or TINYFLASH_RESET_PIN=7.

Backends:
  usbfs:  Linux usbfs, --dev is /dev/bus/usb/BBB/DDD or vid:pid
  libusb: libusb, --dev is vid:pid
  sim:    simulated ATtiny841, for dry runs`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		parseEnv(cmd.Flags(), envPrefix)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&devPath, "dev", "d", "10c4:87a0", "Bridge device")
	rootCmd.PersistentFlags().StringVarP(&backend, "backend", "b", "usbfs", "USB backend: usbfs, libusb or sim")
	rootCmd.PersistentFlags().StringVar(&serial, "serial", "", "Bridge serial number")
	rootCmd.PersistentFlags().Uint8Var(&channel, "channel", 0, "SPI channel of the bridge")
	rootCmd.PersistentFlags().Uint8Var(&resetPin, "reset-pin", 7, "Bridge GPIO connected to /RESET")
	rootCmd.PersistentFlags().BoolVar(&littleEndian, "little-endian", false, "Image stores words little endian")
	rootCmd.PersistentFlags().BoolVar(&resetBridge, "reset-bridge", false, "Reset the bridge before use")
	rootCmd.PersistentFlags().IntVar(&maxPolls, "max-polls", 0, "Give up when the device stays busy for this many polls, 0 waits forever")

	/* glog registers its flags on the standard flag set */
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func byteOrder() binary.ByteOrder {
	if littleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Execute runs the root command. It is cancelled by an interrupt.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}
