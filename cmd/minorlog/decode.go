package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/octu0/minorlog/codec"
)

var decodeJSON bool

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Split a captured stream into frames",
	Long: `This reads "[identity] payload\n" frames from file, or stdin when no
file is given, and prints one line per frame.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var in io.Reader = os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				log.WithError(err).WithField("file", args[0]).Error("error opening file")
				os.Exit(1)
			}
			defer f.Close()
			in = f
		}
		os.Exit(decode(in, os.Stdout, decodeJSON))
	},
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeJSON, "json", false, "print frames as json lines")
	RootCmd.AddCommand(decodeCmd)
}

type jsonFrame struct {
	Identity int    `json:"identity"`
	Payload  string `json:"payload"`
}

func decode(in io.Reader, out io.Writer, asJSON bool) int {
	enc := json.NewEncoder(out)
	dec := codec.NewDecoder(in)
	for {
		frame, err := dec.Decode()
		if err == io.EOF {
			return 0
		}
		if err != nil {
			log.WithError(err).Error("error decoding frame")
			return 1
		}

		if asJSON {
			if err := enc.Encode(jsonFrame{Identity: frame.Identity, Payload: string(frame.Payload)}); err != nil {
				log.WithError(err).Error("error encoding frame")
				return 1
			}
			continue
		}
		fmt.Fprintf(out, "%d\t%s\n", frame.Identity, frame.Payload)
	}
}
