// Package config loads bluelink settings from an hjson file and the
// command line.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/cliflagv2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/user/bluelink/transfer"
	"github.com/user/bluelink/util"
)

const configFile = "bluelink.conf"

// Config describes the configuration for the app.
type Config struct {
	path string

	Values Values
}

// NewConfig returns a configuration holding the defaults.
func NewConfig() *Config {
	return &Config{Values: Defaults()}
}

// DefaultPath returns the configuration file inside the data directory.
func DefaultPath() string {
	return filepath.Join(util.GetDataDir(), configFile)
}

// Path returns the file the configuration was read from, empty if none.
func (c *Config) Path() string {
	return c.path
}

// Load loads the configuration from the configuration file and the
// command-line flags; flags win. A missing file is not an error.
func (c *Config) Load(k *koanf.Koanf, cliCtx *cli.Context) error {
	cfgfile := cliCtx.String("config")
	if cfgfile == "" {
		cfgfile = DefaultPath()
	}

	if _, err := os.Stat(cfgfile); err == nil {
		if err := k.Load(file.Provider(cfgfile), hjson.Parser()); err != nil {
			return fmt.Errorf("read %s: %w", cfgfile, err)
		}
		c.path = cfgfile
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := k.Load(cliflagv2.Provider(cliCtx, "."), nil); err != nil {
		return err
	}

	return k.UnmarshalWithConf("", &c.Values, koanf.UnmarshalConf{Tag: "koanf"})
}

// ValidateValues validates the configuration values.
func (c *Config) ValidateValues() error {
	return c.Values.validateValues()
}

// Flags returns the global command-line flags understood by Load.
func Flags() []cli.Flag {
	def := Defaults()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			EnvVars: []string{"BLUELINK_CONFIG"},
			Usage:   "Specify the configuration file. (Default: " + DefaultPath() + ")",
		},
		&cli.StringFlag{
			Name:    "name",
			Aliases: []string{"n"},
			EnvVars: []string{"BLUELINK_NAME"},
			Usage:   "Specify the name advertised or announced with /name.",
			Value:   def.Name,
		},
		&cli.StringFlag{
			Name:    "connect",
			Aliases: []string{"t"},
			EnvVars: []string{"BLUELINK_CONNECT"},
			Usage:   "Specify a peer address to attach to as soon as it is seen.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			EnvVars: []string{"BLUELINK_LOG_LEVEL"},
			Usage:   "Specify the log level. (TRACE, DEBUG, INFO, WARN, ERROR)",
			Value:   def.LogLevel,
		},
		&cli.IntFlag{
			Name:  "unit-size",
			Usage: "Specify the unit size requested by /transfertest.",
			Value: def.UnitSize,
		},
		&cli.StringFlag{
			Name:  "transfer-mode",
			Usage: "Specify how bulk chunks are paced. (flow, tight)",
			Value: def.TransferMode,
		},
		&cli.IntFlag{
			Name:  "max-retries",
			Usage: "Specify how many consecutive chunk failures are retried.",
			Value: transfer.MaxRetries,
		},
		&cli.DurationFlag{
			Name:  "retry-delay",
			Usage: "Specify the delay between tight-loop retries.",
			Value: def.RetryDelay,
		},
		&cli.StringFlag{
			Name:  "handoff-network",
			Usage: "Specify the secondary link network. (tcp, unix, none)",
			Value: def.HandoffNetwork,
		},
		&cli.StringFlag{
			Name:  "handoff-listen",
			Usage: "Specify the address the secondary link listens on. (tcp only)",
		},
		&cli.StringFlag{
			Name:    "database",
			Aliases: []string{"d"},
			EnvVars: []string{"BLUELINK_DATABASE"},
			Usage:   "Specify the sqlite database for received payloads.",
			Value:   def.Database,
		},
		&cli.StringFlag{
			Name:    "payload",
			Aliases: []string{"p"},
			Usage:   "Specify a file offered over the secondary link on /send.",
		},
	}
}
