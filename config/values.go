package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/bluelink/handoff"
	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/transfer"
	"github.com/user/bluelink/util"
	"github.com/user/bluelink/wire"
)

// Values describes the settings a user can supply through the
// configuration file or command-line flags
type Values struct {
	Name           string        `koanf:"name"`
	Connect        string        `koanf:"connect"`
	LogLevel       string        `koanf:"log-level"`
	UnitSize       int           `koanf:"unit-size"`
	TransferMode   string        `koanf:"transfer-mode"`
	MaxRetries     int           `koanf:"max-retries"`
	RetryDelay     time.Duration `koanf:"retry-delay"`
	HandoffNetwork string        `koanf:"handoff-network"`
	HandoffListen  string        `koanf:"handoff-listen"`
	Database       string        `koanf:"database"`
	Payload        string        `koanf:"payload"`

	// resolved by Validate
	Level logger.LogLevel
	Mode  transfer.Mode
}

// Defaults returns the values used for anything left unset
func Defaults() Values {
	return Values{
		Name:           "bluelink",
		LogLevel:       "INFO",
		UnitSize:       512,
		TransferMode:   transfer.FlowControlled.String(),
		MaxRetries:     transfer.MaxRetries,
		RetryDelay:     transfer.SendInterval,
		HandoffNetwork: "tcp",
		Database:       util.GetDatabasePath(),
	}
}

// validateValues validates all configuration values
func (v *Values) validateValues() error {
	for _, validate := range []func() error{
		v.validateName,
		v.validateLogLevel,
		v.validateUnitSize,
		v.validateTransfer,
		v.validateHandoff,
	} {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

func (v *Values) validateName() error {
	v.Name = strings.TrimSpace(v.Name)
	if v.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.ContainsAny(v.Name, "\r\n") {
		return fmt.Errorf("name must be a single line")
	}
	return nil
}

func (v *Values) validateLogLevel() error {
	level := strings.ToUpper(strings.TrimSpace(v.LogLevel))
	switch level {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log level %q", v.LogLevel)
	}
	v.Level = logger.ParseLevel(level)
	return nil
}

func (v *Values) validateUnitSize() error {
	if v.UnitSize < wire.DefaultUnitSize || v.UnitSize > wire.MaxUnitSize {
		return fmt.Errorf("unit size %d out of range %d-%d", v.UnitSize, wire.DefaultUnitSize, wire.MaxUnitSize)
	}
	return nil
}

func (v *Values) validateTransfer() error {
	mode, err := transfer.ParseMode(v.TransferMode)
	if err != nil {
		return err
	}
	v.Mode = mode

	if v.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if v.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	return nil
}

func (v *Values) validateHandoff() error {
	switch v.HandoffNetwork {
	case "tcp", "unix", "none":
		return nil
	default:
		return fmt.Errorf("unknown handoff network %q (tcp, unix or none)", v.HandoffNetwork)
	}
}

// TransferConfig returns the engine settings
func (v *Values) TransferConfig() transfer.Config {
	cfg := transfer.DefaultConfig()
	cfg.MaxRetries = v.MaxRetries
	cfg.RetryDelay = v.RetryDelay
	return cfg
}

// Handoff returns the secondary-link network, nil when handoff is disabled
func (v *Values) Handoff() (handoff.Network, error) {
	if v.HandoffNetwork == "none" {
		return nil, nil
	}

	var socketDir string
	if v.HandoffNetwork == "unix" {
		dir, err := util.GetSocketDir()
		if err != nil {
			return nil, err
		}
		socketDir = dir
	}
	n, err := handoff.NewNetwork(v.HandoffNetwork, v.HandoffListen, socketDir)
	if err != nil {
		return nil, err
	}
	return n, nil
}
