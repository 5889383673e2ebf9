package cmd

import (
	"io"
	"os"
	"strconv"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/BertoldVdb/tinyflash/isptasks"
	"github.com/BertoldVdb/tinyflash/srec"
)

var readOutput string

var readCmd = &cobra.Command{
	Use:   "read WORD_ADDRESS WORDS",
	Short: "Read flash words and print them as S-records",
	Args:  cobra.ExactArgs(2),
	RunE:  runRead,
}

func init() {
	readCmd.Flags().StringVarP(&readOutput, "output", "o", "", "Write to this file instead of stdout")
	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	address, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return errors.Annotatef(err, "word address")
	}
	words, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return errors.Annotatef(err, "word count")
	}

	t, err := openTarget(cmd.Context())
	if err != nil {
		return err
	}
	defer t.Close()

	tasks := isptasks.New(t.session(), isptasks.Config{Order: byteOrder()})
	img, err := tasks.Read(cmd.Context(), uint16(address), int(words))
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if readOutput != "" {
		f, err := os.Create(readOutput)
		if err != nil {
			return errors.Trace(err)
		}
		defer f.Close()
		w = f
	}

	return srec.Encode(w, img)
}
