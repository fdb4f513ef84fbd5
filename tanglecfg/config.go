// Package tanglecfg loads the process configuration of the wallet from
// defaults, an ini file and command line flags, in that order.
package tanglecfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/sputn1ck/tanglewallet/chain/node"
	"github.com/sputn1ck/tanglewallet/client"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/pow"
	"github.com/sputn1ck/tanglewallet/sending"
	"github.com/sputn1ck/tanglewallet/tangle"
)

const (
	defaultConfigFilename  = "tanglewallet.conf"
	defaultJournalFilename = "journal.db"
	defaultKeyStateName    = "keystate.json"
	defaultDebugLevel      = "info"
	defaultPollInterval    = 10 * time.Second
)

var (
	// DefaultDataDir is the default directory of the config file, the
	// journal and the key state.
	DefaultDataDir = btcutil.AppDataDir("tanglewallet", false)

	// DefaultConfigFile is the default path of the ini config file.
	DefaultConfigFile = filepath.Join(DefaultDataDir, defaultConfigFilename)
)

// NodeConfig holds the node connection options.
type NodeConfig struct {
	URL           string        `long:"url" description:"The URL of the node's HTTP API"`
	RateLimit     int           `long:"ratelimit" description:"Maximum requests per second sent to the node"`
	Timeout       time.Duration `long:"timeout" description:"Timeout of a single request"`
	RetryAttempts int           `long:"retryattempts" description:"Attempts for idempotent reads that fail on the network"`
	RetryDelay    time.Duration `long:"retrydelay" description:"Delay before the first retry, doubled on every attempt"`
}

// PoWConfig holds the proof of work options.
type PoWConfig struct {
	Local       bool `long:"local" description:"Do proof of work locally instead of on the node"`
	Parallelism int  `long:"parallelism" description:"Number of local proof of work threads, 0 uses all CPUs"`
	MWMFloor    int  `long:"mwmfloor" description:"Lowest accepted min weight magnitude"`
}

// Config is the process configuration.
type Config struct {
	ConfigFile string `long:"configfile" description:"Path to the ini configuration file"`
	DataDir    string `long:"datadir" description:"Directory holding the journal and the key state"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Node *NodeConfig `group:"node" namespace:"node"`
	PoW  *PoWConfig  `group:"pow" namespace:"pow"`

	Depth              uint64 `long:"depth" description:"Tip selection depth"`
	MinWeightMagnitude int    `long:"mwm" description:"Min weight magnitude of attached transactions"`
	Security           uint8  `long:"security" description:"Security level of derived addresses {1, 2, 3}"`
	GapLimit           uint64 `long:"gaplimit" description:"Unused addresses scanned before a search stops"`

	JournalPath  string        `long:"journal" description:"Path to the sent bundle journal"`
	KeyStateFile string        `long:"keystatefile" description:"Path to the address index state"`
	PollInterval time.Duration `long:"pollinterval" description:"How often watched tails are polled for confirmation"`

	MetricsListen string `long:"metricslisten" description:"Address to serve prometheus metrics on, empty disables it"`
}

// DefaultConfig returns the default process configuration.
func DefaultConfig() *Config {
	nodeCfg := node.DefaultConfig()

	return &Config{
		ConfigFile: DefaultConfigFile,
		DataDir:    DefaultDataDir,
		DebugLevel: defaultDebugLevel,
		Node: &NodeConfig{
			URL:           nodeCfg.URL,
			RateLimit:     nodeCfg.RateLimit,
			Timeout:       nodeCfg.Timeout,
			RetryAttempts: nodeCfg.RetryAttempts,
			RetryDelay:    nodeCfg.RetryDelay,
		},
		PoW: &PoWConfig{
			MWMFloor: pow.DefaultMinWeightMagnitudeFloor,
		},
		Depth:              sending.DefaultDepth,
		MinWeightMagnitude: sending.DefaultMinWeightMagnitude,
		Security:           uint8(tangle.DefaultSecurity),
		GapLimit:           keyring.DefaultGapLimit,
		PollInterval:       defaultPollInterval,
	}
}

// LoadConfig builds the configuration from the defaults, the ini file and
// args. The command line is parsed twice, first to find the config file
// and then to let flags override the file.
func LoadConfig(args []string) (*Config, error) {
	preCfg := DefaultConfig()
	if _, err := newParser(preCfg).ParseArgs(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)

	parser := newParser(cfg)
	err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	switch {
	// A missing file at the default location is fine.
	case errors.Is(err, os.ErrNotExist) &&
		cfg.ConfigFile == DefaultConfigFile:

	case err != nil:
		return nil, fmt.Errorf("unable to load config file %v: %w",
			cfg.ConfigFile, err)
	}

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(
			cfg.DataDir, defaultJournalFilename,
		)
	}
	if cfg.KeyStateFile == "" {
		cfg.KeyStateFile = filepath.Join(
			cfg.DataDir, defaultKeyStateName,
		)
	}
	cfg.JournalPath = cleanAndExpandPath(cfg.JournalPath)
	cfg.KeyStateFile = cleanAndExpandPath(cfg.KeyStateFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the options that can be checked without building the
// client.
func (c *Config) Validate() error {
	if c.Node == nil || c.PoW == nil {
		return fmt.Errorf("node and pow options required")
	}
	if err := tangle.SecurityLevel(c.Security).Validate(); err != nil {
		return err
	}
	if _, err := parseDebugLevel(c.DebugLevel); err != nil {
		return err
	}

	return nil
}

// ClientConfig maps the options onto a client configuration. The caller
// sets the metrics and the clock.
func (c *Config) ClientConfig() (*client.Config, error) {
	cfg := client.DefaultConfig()
	cfg.Node.URL = c.Node.URL
	cfg.Node.RateLimit = c.Node.RateLimit
	cfg.Node.Timeout = c.Node.Timeout
	cfg.Node.RetryAttempts = c.Node.RetryAttempts
	cfg.Node.RetryDelay = c.Node.RetryDelay
	cfg.LocalPoW = c.PoW.Local
	cfg.PowParallelism = c.PoW.Parallelism
	cfg.MinWeightMagnitudeFloor = c.PoW.MWMFloor
	cfg.Depth = c.Depth
	cfg.MinWeightMagnitude = c.MinWeightMagnitude
	cfg.GapLimit = c.GapLimit
	cfg.JournalPath = c.JournalPath
	cfg.KeyStateFile = c.KeyStateFile
	cfg.PollInterval = c.PollInterval

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	return cfg, nil
}

func newParser(cfg *Config) *flags.Parser {
	return flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
}

// cleanAndExpandPath expands a leading ~ and environment variables and
// cleans the result.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}
