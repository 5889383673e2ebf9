package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BertoldVdb/tinyflash/isptasks"
	"github.com/BertoldVdb/tinyflash/srec"
)

var decodeSkipInvalid bool

var decodeCmd = &cobra.Command{
	Use:   "decode FILE",
	Short: "Decode an S-record file and list its records",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecode,
}

var planCmd = &cobra.Command{
	Use:   "plan FILE",
	Short: "Show the flash pages an S-record file is written as",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeSkipInvalid, "skip-invalid", false, "Skip malformed lines")
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(planCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
	text, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	d := srec.Decoder{SkipInvalid: decodeSkipInvalid}
	img, err := d.Decode(text)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, m := range d.Rejected {
		fmt.Fprintf(out, "Skipped: %v\n", m)
	}
	if len(img.Header) > 0 {
		fmt.Fprintf(out, "Header: %q\n", img.Header)
	}
	for _, m := range img.Records {
		fmt.Fprintf(out, "%06x-%06x %d bytes\n", m.Address, m.End(), len(m.Data))
	}
	fmt.Fprintf(out, "Total %d bytes, CRC %08x\n", img.Size(), img.Checksum())
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	text, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	tasks := isptasks.New(nil, isptasks.Config{Order: byteOrder()})
	_, list, err := tasks.Plan(text)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range list {
		fmt.Fprintf(out, "%04x:", p.WordAddress)
		for _, w := range p.Words {
			fmt.Fprintf(out, " %d=%04x", w.Offset, w.Value)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "%d pages\n", len(list))
	return nil
}
