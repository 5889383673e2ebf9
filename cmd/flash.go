package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/BertoldVdb/tinyflash/isp"
	"github.com/BertoldVdb/tinyflash/isptasks"
)

var (
	flashErase       bool
	flashVerify      bool
	flashSkipInvalid bool
	flashForce       bool
)

var flashCmd = &cobra.Command{
	Use:   "flash FILE",
	Short: "Write an S-record image to the device",
	Long: `Decode an S-record file, split it into flash pages and program it.

The image must only contain records at even addresses with an even number of
bytes. Use - to read the image from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	flashCmd.Flags().BoolVar(&flashErase, "erase", false, "Erase the chip before writing")
	flashCmd.Flags().BoolVar(&flashVerify, "verify", true, "Read back and compare after writing")
	flashCmd.Flags().BoolVar(&flashSkipInvalid, "skip-invalid", false, "Skip malformed S-record lines")
	flashCmd.Flags().BoolVar(&flashForce, "force", false, "Program devices with an unknown signature")
	rootCmd.AddCommand(flashCmd)
}

func readInput(cmd *cobra.Command, name string) (string, error) {
	var data []byte
	var err error

	if name == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(data), nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	text, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	t, err := openTarget(cmd.Context())
	if err != nil {
		return err
	}
	defer t.Close()

	out := cmd.OutOrStdout()
	s := t.session(isp.WithProgress(func(p isp.Progress) {
		fmt.Fprintf(out, "\rPage %d/%d @ %04x", p.Page, p.Pages, p.WordAddress)
		if p.Page == p.Pages {
			fmt.Fprintf(out, " (%s)\n", p.Elapsed.Round(time.Millisecond))
		}
	}))

	tasks := isptasks.New(s, isptasks.Config{
		Order:       byteOrder(),
		SkipInvalid: flashSkipInvalid,
		Erase:       flashErase,
		Verify:      flashVerify,
		Force:       flashForce,
	})

	if err := tasks.Flash(cmd.Context(), text); err != nil {
		return err
	}

	fmt.Fprintf(out, "Programmed %s @ %s\n", tasks.Device.Name, s.Frequency())
	return nil
}
