package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/pflag"
)

// Adapted from mos common/pflagenv (github.com/mongoose-os/mos, Apache
// License 2.0).

// parseEnv sets every flag that was not given on the command line from the
// environment variable named after it.
func parseEnv(fs *pflag.FlagSet, prefix string) {
	nonset := make(map[string]*pflag.Flag)

	fs.VisitAll(func(f *pflag.Flag) {
		nonset[f.Name] = f
	})
	fs.Visit(func(f *pflag.Flag) {
		delete(nonset, f.Name)
	})

	for name, f := range nonset {
		value := os.Getenv(envName(name, prefix))
		if value == "" {
			continue
		}

		if err := f.Value.Set(value); err != nil {
			glog.Warningf("Ignoring %s: %v", envName(name, prefix), err)
			continue
		}
		f.Changed = true
	}
}

func envName(flagName, prefix string) string {
	flagName = strings.ToUpper(flagName)
	flagName = strings.ReplaceAll(flagName, "-", "_")
	return fmt.Sprint(prefix, flagName)
}
