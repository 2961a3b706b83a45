package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const (
	Version string = "1.0.0"
)

var (
	configPath        string
	bind              string
	metricsBind       string
	dir               string
	name              string
	major             int
	initialBufferSize int
	maxBufferSize     int
	writeLimit        int
	repliBind         string
	repliServer       string
	debug             bool
	version           bool
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}

	defaults := defaultConfig()

	flag.BoolVarP(&version, "version", "v", false, "display version information")
	flag.BoolVarP(&debug, "debug", "d", defaults.Debug, "enable debug logging")

	flag.StringVarP(&configPath, "config", "c", "", "toml config file, flags take precedence")
	flag.StringVarP(&bind, "bind", "b", defaults.Bind, "interface and port to bind to")
	flag.StringVar(&metricsBind, "metrics-bind", defaults.MetricsBind, "interface and port serving prometheus /metrics, empty to disable")
	flag.StringVar(&dir, "dir", defaults.Dir, "directory holding the lock and metadata files")
	flag.StringVar(&name, "name", defaults.Name, "name the channel registers itself under")
	flag.IntVar(&major, "major", defaults.Major, "major number, 0 picks one")
	flag.IntVar(&initialBufferSize, "initial-buffer-size", defaults.InitialBufferSize, "store size of a new minor in bytes")
	flag.IntVar(&maxBufferSize, "max-buffer-size", defaults.MaxBufferSize, "maximum store size of a minor in bytes")
	flag.IntVar(&writeLimit, "write-limit", defaults.WriteLimit, "payload bytes per second per connection, 0 for unlimited")
	flag.StringVar(&repliBind, "repli-bind", defaults.RepliBind, "ip:port to publish replication on")
	flag.StringVar(&repliServer, "repli-server", defaults.RepliServer, "ip:port of the channel to follow")
}

func main() {
	flag.Parse()

	if version {
		fmt.Printf("minorlogd version %s\n", Version)
		os.Exit(0)
	}

	cfg := defaultConfig()
	if configPath != "" {
		c, err := loadConfig(configPath, cfg)
		if err != nil {
			log.WithError(err).Error("error loading config")
			os.Exit(1)
		}
		cfg = c
	}
	cfg = overrideFlags(flag.CommandLine, cfg)

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	s, err := newServer(cfg, log.StandardLogger())
	if err != nil {
		log.WithError(err).WithField("dir", cfg.Dir).Error("error opening channel")
		os.Exit(1)
	}

	log.WithFields(log.Fields{
		"bind":  cfg.Bind,
		"dir":   cfg.Dir,
		"name":  cfg.Name,
		"major": s.ch.Major(),
	}).Infof("starting minorlogd v%s", Version)

	if err := s.Run(); err != nil {
		log.WithError(err).Fatal("oops")
	}
}
