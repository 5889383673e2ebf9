package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"

	"github.com/BertoldVdb/tinyflash/cmd"
)

func main() {
	err := cmd.Execute()
	glog.Flush()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
