package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/octu0/minorlog"
)

const (
	Version string = "1.0.0"
)

var (
	debug bool
	dir   string
	name  string
)

// RootCmd is the base command of the minorlog tool
var RootCmd = &cobra.Command{
	Use:     "minorlog",
	Version: Version,
	Short:   "Command line tool for minorlog channels",
	Long: `minorlog inspects registered channels, decodes captured streams
and dumps the content of a replicating channel.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
	},
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	RootCmd.PersistentFlags().StringVar(&dir, "dir", "/var/run/minorlog", "directory holding the lock and metadata files")
	RootCmd.PersistentFlags().StringVar(&name, "name", minorlog.DefaultName, "name of the channel")
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
