package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BertoldVdb/tinyflash/isptasks"
)

var signatureCmd = &cobra.Command{
	Use:   "signature",
	Short: "Read the device signature",
	Args:  cobra.NoArgs,
	RunE:  runSignature,
}

func init() {
	rootCmd.AddCommand(signatureCmd)
}

func runSignature(cmd *cobra.Command, args []string) error {
	t, err := openTarget(cmd.Context())
	if err != nil {
		return err
	}
	defer t.Close()

	s := t.session()
	tasks := isptasks.New(s, isptasks.Config{})
	sig, err := tasks.Signature(cmd.Context())
	if err != nil {
		return err
	}

	name := tasks.Device.Name
	if name == "" {
		name = "unknown device"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%02x %02x %02x: %s @ %s\n", sig[0], sig[1], sig[2], name, s.Frequency())
	return nil
}
