package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gordian-engine/bitcomm"
	"github.com/gordian-engine/bitcomm/bframe"
	"github.com/gordian-engine/bitcomm/bqueue"
	"github.com/gordian-engine/bitcomm/bsup"
	"github.com/spf13/pflag"
)

// nodeConfig is the fully resolved configuration of a node.
type nodeConfig struct {
	ListenAddr   string
	CertFile     string
	KeyFile      string
	ClientCAFile string

	LogLevel slog.Level

	HandshakeTimeout       time.Duration
	InflightHandshakeLimit int
	Policy                 bsup.Policy

	Queue        bqueue.Config
	Unrecognized bitcomm.UnrecognizedPolicy
	FrameTimeout time.Duration
	MaxPayload   uint32

	WebEnabled bool
	WebAddr    string

	WatchInterval    time.Duration
	WatchIdleTimeout time.Duration

	DeliveryTimeout time.Duration
	CompressAbove   int

	NATSURL           string
	NATSSubjectPrefix string
}

func defaultNodeConfig() nodeConfig {
	sup := bsup.DefaultConfig()
	return nodeConfig{
		ListenAddr: "127.0.0.1:4433",

		LogLevel: slog.LevelInfo,

		HandshakeTimeout:       5 * time.Second,
		InflightHandshakeLimit: sup.InflightHandshakeLimit,
		Policy:                 sup.Policy,

		Queue:        bqueue.Config{Overflow: bqueue.OverflowBlock},
		Unrecognized: bitcomm.UnrecognizedEcho,
		FrameTimeout: time.Second,
		MaxPayload:   bframe.DefaultLimits().MaxPayload,

		WebEnabled: true,
		WebAddr:    "127.0.0.1:8080",

		WatchInterval:    5 * time.Second,
		WatchIdleTimeout: time.Minute,

		DeliveryTimeout: 5 * time.Second,
		CompressAbove:   16 * 1024,

		NATSSubjectPrefix: "bitcomm",
	}
}

type fileConfig struct {
	Listen       string `toml:"listen"`
	CertFile     string `toml:"cert_file"`
	KeyFile      string `toml:"key_file"`
	ClientCAFile string `toml:"client_ca_file"`
	LogLevel     string `toml:"log_level"`

	HandshakeTimeout      string `toml:"handshake_timeout"`
	MaxInflightHandshakes int    `toml:"max_inflight_handshakes"`
	Unrecognized          string `toml:"unrecognized"`
	FrameTimeout          string `toml:"frame_timeout"`
	MaxPayload            uint32 `toml:"max_payload"`

	Supervisor struct {
		ConnectionThreshold int    `toml:"connection_threshold"`
		MinThroughput       uint64 `toml:"min_throughput"`
		Interval            string `toml:"interval"`
	} `toml:"supervisor"`

	Queue struct {
		Capacity int    `toml:"capacity"`
		Overflow string `toml:"overflow"`
	} `toml:"queue"`

	Web struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"web"`

	Watchdog struct {
		Interval    string `toml:"interval"`
		IdleTimeout string `toml:"idle_timeout"`
	} `toml:"watchdog"`

	Delivery struct {
		Timeout       string `toml:"timeout"`
		CompressAbove int    `toml:"compress_above"`
	} `toml:"delivery"`

	NATS struct {
		URL           string `toml:"url"`
		SubjectPrefix string `toml:"subject_prefix"`
	} `toml:"nats"`
}

// applyFile overlays the keys present in the TOML file at path onto cfg.
// Keys absent from the file keep their current values.
func applyFile(path string, cfg *nodeConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("cert_file") {
		cfg.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("client_ca_file") {
		cfg.ClientCAFile = strings.TrimSpace(raw.ClientCAFile)
	}
	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{key: []string{"handshake_timeout"}, raw: raw.HandshakeTimeout, dst: &cfg.HandshakeTimeout},
		{key: []string{"frame_timeout"}, raw: raw.FrameTimeout, dst: &cfg.FrameTimeout},
		{key: []string{"supervisor", "interval"}, raw: raw.Supervisor.Interval, dst: &cfg.Policy.Interval},
		{key: []string{"watchdog", "interval"}, raw: raw.Watchdog.Interval, dst: &cfg.WatchInterval},
		{key: []string{"watchdog", "idle_timeout"}, raw: raw.Watchdog.IdleTimeout, dst: &cfg.WatchIdleTimeout},
		{key: []string{"delivery", "timeout"}, raw: raw.Delivery.Timeout, dst: &cfg.DeliveryTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_inflight_handshakes") {
		cfg.InflightHandshakeLimit = raw.MaxInflightHandshakes
	}
	if meta.IsDefined("unrecognized") {
		p, err := bitcomm.ParseUnrecognizedPolicy(strings.TrimSpace(raw.Unrecognized))
		if err != nil {
			return fmt.Errorf("parse unrecognized: %w", err)
		}
		cfg.Unrecognized = p
	}
	if meta.IsDefined("max_payload") {
		cfg.MaxPayload = raw.MaxPayload
	}

	if meta.IsDefined("supervisor", "connection_threshold") {
		cfg.Policy.ConnectionCountThreshold = raw.Supervisor.ConnectionThreshold
	}
	if meta.IsDefined("supervisor", "min_throughput") {
		cfg.Policy.MinThroughput = raw.Supervisor.MinThroughput
	}

	if meta.IsDefined("queue", "capacity") {
		cfg.Queue.Capacity = raw.Queue.Capacity
	}
	if meta.IsDefined("queue", "overflow") {
		o, err := bqueue.ParseOverflow(strings.TrimSpace(raw.Queue.Overflow))
		if err != nil {
			return fmt.Errorf("parse queue.overflow: %w", err)
		}
		cfg.Queue.Overflow = o
	}

	if meta.IsDefined("web", "enabled") {
		cfg.WebEnabled = raw.Web.Enabled
	}
	if meta.IsDefined("web", "addr") {
		cfg.WebAddr = strings.TrimSpace(raw.Web.Addr)
	}

	if meta.IsDefined("delivery", "compress_above") {
		cfg.CompressAbove = raw.Delivery.CompressAbove
	}

	if meta.IsDefined("nats", "url") {
		cfg.NATSURL = strings.TrimSpace(raw.NATS.URL)
	}
	if meta.IsDefined("nats", "subject_prefix") {
		cfg.NATSSubjectPrefix = strings.TrimSpace(raw.NATS.SubjectPrefix)
	}

	return nil
}

// flagOverrides holds command line values that take precedence over the file.
type flagOverrides struct {
	configPath string

	listen, cert, key, clientCA string
	webAddr, natsURL, logLevel  string
	noWeb                       bool
}

func (o *flagOverrides) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "path to a TOML configuration file")
	fs.StringVar(&o.listen, "listen", "", "UDP address for the QUIC listener")
	fs.StringVar(&o.cert, "cert", "", "PEM certificate file")
	fs.StringVar(&o.key, "key", "", "PEM private key file")
	fs.StringVar(&o.clientCA, "client-ca", "", "PEM CA bundle used to verify client certificates")
	fs.StringVar(&o.webAddr, "web-addr", "", "TCP address for the web administration API")
	fs.BoolVar(&o.noWeb, "no-web", false, "disable the web administration API")
	fs.StringVar(&o.natsURL, "nats-url", "", "NATS server URL for undeliverable events")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// apply copies every flag the user set onto cfg.
func (o *flagOverrides) apply(fs *pflag.FlagSet, cfg *nodeConfig) error {
	strs := []struct {
		name string
		val  string
		dst  *string
	}{
		{"listen", o.listen, &cfg.ListenAddr},
		{"cert", o.cert, &cfg.CertFile},
		{"key", o.key, &cfg.KeyFile},
		{"client-ca", o.clientCA, &cfg.ClientCAFile},
		{"web-addr", o.webAddr, &cfg.WebAddr},
		{"nats-url", o.natsURL, &cfg.NATSURL},
	}
	for _, s := range strs {
		if fs.Changed(s.name) {
			*s.dst = s.val
		}
	}

	if fs.Changed("no-web") && o.noWeb {
		cfg.WebEnabled = false
	}
	if fs.Changed("log-level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(o.logLevel)); err != nil {
			return fmt.Errorf("parse --log-level: %w", err)
		}
	}
	return nil
}

// loadNodeConfig resolves defaults, then the config file, then flags.
func loadNodeConfig(fs *pflag.FlagSet, o *flagOverrides) (nodeConfig, error) {
	cfg := defaultNodeConfig()
	if o.configPath != "" {
		if err := applyFile(o.configPath, &cfg); err != nil {
			return nodeConfig{}, err
		}
	}
	if err := o.apply(fs, &cfg); err != nil {
		return nodeConfig{}, err
	}
	if err := cfg.validate(); err != nil {
		return nodeConfig{}, err
	}
	return cfg, nil
}

func (c nodeConfig) validate() error {
	var errs error
	if c.ListenAddr == "" {
		errs = errors.Join(errs, errors.New("listen address must be set"))
	}
	if c.CertFile == "" || c.KeyFile == "" {
		errs = errors.Join(errs, errors.New("both cert_file and key_file must be set"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = errors.Join(errs, errors.New("handshake_timeout must be positive"))
	}
	if c.InflightHandshakeLimit < 0 {
		errs = errors.Join(errs, errors.New("max_inflight_handshakes must not be negative"))
	}
	if c.Policy.Interval <= 0 {
		errs = errors.Join(errs, errors.New("supervisor.interval must be positive"))
	}
	if c.Policy.ConnectionCountThreshold < 0 {
		errs = errors.Join(errs, errors.New("supervisor.connection_threshold must not be negative"))
	}
	if c.Queue.Capacity < 0 {
		errs = errors.Join(errs, errors.New("queue.capacity must not be negative"))
	}
	if c.FrameTimeout <= 0 {
		errs = errors.Join(errs, errors.New("frame_timeout must be positive"))
	}
	if c.MaxPayload == 0 {
		errs = errors.Join(errs, errors.New("max_payload must be positive"))
	}
	if c.DeliveryTimeout <= 0 {
		errs = errors.Join(errs, errors.New("delivery.timeout must be positive"))
	}
	if c.CompressAbove < 0 {
		errs = errors.Join(errs, errors.New("delivery.compress_above must not be negative"))
	}
	if c.WebEnabled && c.WebAddr == "" {
		errs = errors.Join(errs, errors.New("web.addr must be set when the web API is enabled"))
	}
	return errs
}
