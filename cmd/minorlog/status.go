package main

import (
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/octu0/minorlog"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"stat"},
	Short:   "Display the registration of a channel",
	Long: `This displays the metadata (name, major, pid, start time) written by
the process holding the channel registration.`,
	Args: cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(status(dir, name))
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

func status(dir, name string) int {
	meta, err := minorlog.LoadMetadata(dir, name)
	if err != nil {
		log.WithError(err).WithField("name", name).Error("channel is not registered")
		return 1
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		log.WithError(err).Error("error marshalling metadata")
		return 1
	}

	fmt.Println(string(data))
	return 0
}
