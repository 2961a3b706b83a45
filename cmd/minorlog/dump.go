package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/octu0/minorlog"
)

var (
	dumpMinor   int
	dumpTimeout time.Duration
)

var dumpCmd = &cobra.Command{
	Use:   "dump <ip:port>",
	Short: "Dump a replicating channel",
	Long: `This follows the channel publishing replication on ip:port, waits
for the initial restore and prints the stats of every minor. With --minor the
raw content of that minor is written to stdout instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(dump(args[0], dumpMinor, dumpTimeout, os.Stdout))
	},
}

func init() {
	dumpCmd.Flags().IntVar(&dumpMinor, "minor", -1, "write the content of this minor only")
	dumpCmd.Flags().DurationVar(&dumpTimeout, "timeout", 10*time.Second, "replication request timeout")
	RootCmd.AddCommand(dumpCmd)
}

func follow(addr string, timeout time.Duration) (*minorlog.Channel, func(), error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "port %s", p)
	}

	tmpdir, err := os.MkdirTemp("", "minorlog_dump")
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	ch, err := minorlog.Open(tmpdir,
		minorlog.WithLogger(log.StandardLogger()),
		minorlog.WithRepliClient(host, port),
		minorlog.WithRepliRequestTimeout(timeout),
	)
	if err != nil {
		os.RemoveAll(tmpdir)
		return nil, nil, errors.WithStack(err)
	}
	return ch, func() {
		ch.Close()
		os.RemoveAll(tmpdir)
	}, nil
}

func dump(addr string, minor int, timeout time.Duration, out io.Writer) int {
	ch, done, err := follow(addr, timeout)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Error("error following channel")
		return 1
	}
	defer done()

	if 0 <= minor {
		b, ok := ch.Registry().Lookup(minor)
		if ok != true {
			log.WithField("minor", minor).Error("no such minor")
			return 1
		}
		out.Write(b.Bytes())
		return 0
	}

	stats := make([]minorlog.BufferStats, 0, ch.Registry().Len())
	ch.Registry().Scan(func(b *minorlog.Buffer) error {
		stats = append(stats, b.Stats())
		return nil
	})

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		log.WithError(err).Error("error marshalling stats")
		return 1
	}
	fmt.Fprintln(out, string(data))
	return 0
}
