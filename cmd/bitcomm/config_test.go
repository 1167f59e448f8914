package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gordian-engine/bitcomm"
	"github.com/gordian-engine/bitcomm/bqueue"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bitcomm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newFlags(t *testing.T, args ...string) (*pflag.FlagSet, *flagOverrides) {
	t.Helper()

	var o flagOverrides
	fs := pflag.NewFlagSet("bitcomm", pflag.ContinueOnError)
	o.register(fs)
	require.NoError(t, fs.Parse(args))
	return fs, &o
}

func TestApplyFile_overridesOnlyDefinedKeys(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
listen = "0.0.0.0:9443"
cert_file = "node.crt"
key_file = "node.key"
log_level = "debug"
unrecognized = "reset"

[supervisor]
min_throughput = 2048
interval = "250ms"

[queue]
capacity = 64
overflow = "drop-oldest"

[web]
enabled = false

[delivery]
compress_above = 0

[nats]
url = "nats://127.0.0.1:4222"
`)

	cfg := defaultNodeConfig()
	require.NoError(t, applyFile(path, &cfg))

	require.Equal(t, "0.0.0.0:9443", cfg.ListenAddr)
	require.Equal(t, "node.crt", cfg.CertFile)
	require.Equal(t, "node.key", cfg.KeyFile)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, bitcomm.UnrecognizedReset, cfg.Unrecognized)

	require.Equal(t, uint64(2048), cfg.Policy.MinThroughput)
	require.Equal(t, 250*time.Millisecond, cfg.Policy.Interval)

	require.Equal(t, bqueue.Config{Capacity: 64, Overflow: bqueue.OverflowDropOldest}, cfg.Queue)
	require.False(t, cfg.WebEnabled)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
	require.Zero(t, cfg.CompressAbove)

	// Untouched keys keep their defaults.
	def := defaultNodeConfig()
	require.Equal(t, def.Policy.ConnectionCountThreshold, cfg.Policy.ConnectionCountThreshold)
	require.Equal(t, def.HandshakeTimeout, cfg.HandshakeTimeout)
	require.Equal(t, def.InflightHandshakeLimit, cfg.InflightHandshakeLimit)
	require.Equal(t, def.WatchIdleTimeout, cfg.WatchIdleTimeout)
	require.Equal(t, def.NATSSubjectPrefix, cfg.NATSSubjectPrefix)
	require.Equal(t, def.DeliveryTimeout, cfg.DeliveryTimeout)
}

func TestApplyFile_errors(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"bad duration":     `handshake_timeout = "soon"`,
		"bad delivery":     "[delivery]\ntimeout = \"later\"",
		"bad overflow":     "[queue]\noverflow = \"spill\"",
		"bad unrecognized": `unrecognized = "ignore"`,
		"bad log level":    `log_level = "loud"`,
		"unknown key":      `listen_addr = "127.0.0.1:1"`,
		"malformed":        `listen = `,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := defaultNodeConfig()
			require.Error(t, applyFile(writeConfig(t, body), &cfg))
		})
	}
}

func TestLoadNodeConfig_flagsOverrideFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
listen = "0.0.0.0:9443"
cert_file = "file.crt"
key_file = "file.key"
`)

	fs, o := newFlags(t,
		"--config", path,
		"--listen", "127.0.0.1:5000",
		"--no-web",
		"--log-level", "warn",
	)

	cfg, err := loadNodeConfig(fs, o)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:5000", cfg.ListenAddr)
	require.Equal(t, "file.crt", cfg.CertFile)
	require.False(t, cfg.WebEnabled)
	require.Equal(t, slog.LevelWarn, cfg.LogLevel)
}

func TestLoadNodeConfig_requiresCertificate(t *testing.T) {
	t.Parallel()

	fs, o := newFlags(t, "--listen", "127.0.0.1:5000")
	_, err := loadNodeConfig(fs, o)
	require.ErrorContains(t, err, "cert_file")
}

func TestNodeConfig_validate(t *testing.T) {
	t.Parallel()

	cfg := defaultNodeConfig()
	cfg.CertFile = "a.crt"
	cfg.KeyFile = "a.key"
	require.NoError(t, cfg.validate())

	cfg.Policy.Interval = 0
	cfg.Queue.Capacity = -1
	cfg.WebAddr = ""
	cfg.CompressAbove = -1

	err := cfg.validate()
	require.ErrorContains(t, err, "supervisor.interval")
	require.ErrorContains(t, err, "queue.capacity")
	require.ErrorContains(t, err, "web.addr")
	require.ErrorContains(t, err, "delivery.compress_above")
}

func TestRootCmd_flags(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	for _, name := range []string{"config", "listen", "cert", "key", "client-ca", "web-addr", "no-web", "nats-url", "log-level"} {
		require.NotNilf(t, cmd.Flags().Lookup(name), "missing flag %q", name)
	}
}
