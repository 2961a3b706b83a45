package main

import (
	"net"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/octu0/minorlog"
)

type config struct {
	Bind              string
	MetricsBind       string
	Dir               string
	Name              string
	Major             int
	InitialBufferSize int
	MaxBufferSize     int
	WriteLimit        int
	RepliBind         string
	RepliServer       string
	Debug             bool
}

type fileConfig struct {
	Bind              string `toml:"bind"`
	MetricsBind       string `toml:"metrics_bind"`
	Dir               string `toml:"dir"`
	Name              string `toml:"name"`
	Major             int    `toml:"major"`
	InitialBufferSize int    `toml:"initial_buffer_size"`
	MaxBufferSize     int    `toml:"max_buffer_size"`
	WriteLimit        int    `toml:"write_limit"`
	RepliBind         string `toml:"repli_bind"`
	RepliServer       string `toml:"repli_server"`
	Debug             bool   `toml:"debug"`
}

func defaultConfig() config {
	return config{
		Bind:              ":6379",
		MetricsBind:       "",
		Dir:               "/var/run/minorlog",
		Name:              minorlog.DefaultName,
		Major:             0,
		InitialBufferSize: minorlog.DefaultInitialBufferSize,
		MaxBufferSize:     minorlog.DefaultMaxBufferSize,
		WriteLimit:        0,
		RepliBind:         "",
		RepliServer:       "",
		Debug:             false,
	}
}

// loadConfig applies the keys present in the toml file at path on top of cfg
func loadConfig(path string, cfg config) (config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, errors.Wrapf(err, "load config %s", path)
	}

	if meta.IsDefined("bind") {
		cfg.Bind = strings.TrimSpace(raw.Bind)
	}
	if meta.IsDefined("metrics_bind") {
		cfg.MetricsBind = strings.TrimSpace(raw.MetricsBind)
	}
	if meta.IsDefined("dir") {
		cfg.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("major") {
		cfg.Major = raw.Major
	}
	if meta.IsDefined("initial_buffer_size") {
		cfg.InitialBufferSize = raw.InitialBufferSize
	}
	if meta.IsDefined("max_buffer_size") {
		cfg.MaxBufferSize = raw.MaxBufferSize
	}
	if meta.IsDefined("write_limit") {
		cfg.WriteLimit = raw.WriteLimit
	}
	if meta.IsDefined("repli_bind") {
		cfg.RepliBind = strings.TrimSpace(raw.RepliBind)
	}
	if meta.IsDefined("repli_server") {
		cfg.RepliServer = strings.TrimSpace(raw.RepliServer)
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	return cfg, nil
}

// overrideFlags applies the command line flags that were set explicitly
func overrideFlags(fs *flag.FlagSet, cfg config) config {
	if fs.Changed("bind") {
		cfg.Bind = bind
	}
	if fs.Changed("metrics-bind") {
		cfg.MetricsBind = metricsBind
	}
	if fs.Changed("dir") {
		cfg.Dir = dir
	}
	if fs.Changed("name") {
		cfg.Name = name
	}
	if fs.Changed("major") {
		cfg.Major = major
	}
	if fs.Changed("initial-buffer-size") {
		cfg.InitialBufferSize = initialBufferSize
	}
	if fs.Changed("max-buffer-size") {
		cfg.MaxBufferSize = maxBufferSize
	}
	if fs.Changed("write-limit") {
		cfg.WriteLimit = writeLimit
	}
	if fs.Changed("repli-bind") {
		cfg.RepliBind = repliBind
	}
	if fs.Changed("repli-server") {
		cfg.RepliServer = repliServer
	}
	if fs.Changed("debug") {
		cfg.Debug = debug
	}
	return cfg
}

func (c config) options() ([]minorlog.OptionFunc, error) {
	opts := []minorlog.OptionFunc{
		minorlog.WithName(c.Name),
		minorlog.WithMajor(c.Major),
		minorlog.WithInitialBufferSize(c.InitialBufferSize),
		minorlog.WithMaxBufferSize(c.MaxBufferSize),
	}
	if c.RepliBind != "" {
		host, port, err := splitHostPort(c.RepliBind)
		if err != nil {
			return nil, errors.Wrap(err, "repli bind")
		}
		opts = append(opts, minorlog.WithRepli(host, port))
	}
	if c.RepliServer != "" {
		host, port, err := splitHostPort(c.RepliServer)
		if err != nil {
			return nil, errors.Wrap(err, "repli server")
		}
		opts = append(opts, minorlog.WithRepliClient(host, port))
	}
	return opts, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.WithStack(err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, errors.Wrapf(err, "port %s", p)
	}
	return host, port, nil
}
