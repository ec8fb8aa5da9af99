// Package config loads and merges the leeching client's settings: built-in
// defaults, an optional YAML file, and command-line flags, in that
// increasing order of precedence.
package config

import (
	"flag"
	"io/ioutil"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v1"
)

// Config holds every tunable the dispatcher, tracker, and peer-wire layers
// need at startup.
type Config struct {
	OutDir         string `yaml:"out_dir"`
	PeerPort       uint16 `yaml:"peer_port"`
	TrackerUDPPort uint16 `yaml:"tracker_udp_port"`
	MaxPeers       int    `yaml:"max_peers"`
	LogLevel       string `yaml:"log_level"`
}

// Default mirrors the teacher's DefaultConfig: a zero-value struct pre-set
// to usable values, overridden first by an optional file, then by flags.
var Default = Config{
	OutDir:         "~/Downloads",
	PeerPort:       6898,
	TrackerUDPPort: 11993,
	MaxPeers:       50,
	LogLevel:       "info",
}

// Load reads filename (if it exists; absence is not an error) as a YAML
// Config overlay on top of Default, then resolves the result against fs,
// a flag.FlagSet whose flags (-out, -peer-port, -tracker-udp-port,
// -max-peers, -log-level) take final precedence when explicitly set.
func Load(filename string, fs *flag.FlagSet) (*Config, error) {
	c := Default
	if filename != "" {
		b, err := ioutil.ReadFile(filename)
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "config: reading %s", filename)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, errors.Wrapf(err, "config: parsing %s", filename)
			}
		}
	}

	if env := os.Getenv("LEECH_LOG_LEVEL"); env != "" {
		c.LogLevel = env
	}

	applyFlags(&c, fs)

	expanded, err := homedir.Expand(c.OutDir)
	if err != nil {
		return nil, errors.Wrap(err, "config: expanding out dir")
	}
	c.OutDir = expanded

	return &c, nil
}

// applyFlags overrides c with any flag the caller explicitly set, walking
// fs.Visit (not VisitAll) so flags left at their zero value don't clobber
// file-provided settings.
func applyFlags(c *Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			c.OutDir = f.Value.String()
		case "peer-port":
			if v, ok := f.Value.(flag.Getter).Get().(int); ok {
				c.PeerPort = uint16(v)
			}
		case "tracker-udp-port":
			if v, ok := f.Value.(flag.Getter).Get().(int); ok {
				c.TrackerUDPPort = uint16(v)
			}
		case "max-peers":
			if v, ok := f.Value.(flag.Getter).Get().(int); ok {
				c.MaxPeers = v
			}
		case "log-level":
			c.LogLevel = f.Value.String()
		}
	})
}

// RegisterFlags declares on fs the CLI flags Load reads back via
// applyFlags; the caller then passes fs to fs.Parse.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("out", Default.OutDir, "output directory for downloaded files")
	fs.String("config", "", "optional YAML config file")
	fs.Int("peer-port", int(Default.PeerPort), "default peer listen port")
	fs.Int("tracker-udp-port", int(Default.TrackerUDPPort), "UDP tracker source port")
	fs.Int("max-peers", Default.MaxPeers, "maximum concurrently connected peers")
	fs.String("log-level", Default.LogLevel, "log level: debug, info, warn, error")
}
