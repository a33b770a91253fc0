package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
	"github.com/marknotgeorge/SpeedAndCadence/internal/csc"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. CSC_WHEEL_CIRCUMFERENCE
	EnvPrefix = "CSC"
	// AppDir holds the optional config.yaml and the default log file, under the home directory
	AppDir = ".csc-monitor"
)

// Flag and config keys
const (
	KeyConfig                = "config"
	KeyDevice                = "device"
	KeySimulate              = "simulate"
	KeyPlain                 = "plain"
	KeyWheelCircumference    = "wheel-circumference"
	KeyStaleAfter            = "stale-after"
	KeyScanTimeout           = "scan-timeout"
	KeyScanWindow            = "scan-window"
	KeyRecoveryDelay         = "recovery-delay"
	KeyRecoveryMaxDelay      = "recovery-max-delay"
	KeyRecoveryMultiplier    = "recovery-multiplier"
	KeyRecoveryAttempts      = "recovery-attempts"
	KeyLogFile               = "log-file"
	KeyLogMaxSize            = "log-max-size"
	KeyLogMaxBackups         = "log-max-backups"
	KeyLogMaxAge             = "log-max-age"
	KeySimSpeed              = "sim-speed"
	KeySimCadence            = "sim-cadence"
	KeySimFailFirstSubscribe = "sim-fail-first-subscribe"
	KeyStateFile             = "state-file"
)

// Config holds the monitor configuration
type Config struct {
	ConfigFile string
	// Device is the device ID or hardware address to use; empty picks the first CSC sensor found
	Device   string
	Simulate bool
	Plain    bool
	// StateFile remembers the last sensor a session connected to
	StateFile          string
	WheelCircumference float64
	StaleAfter         time.Duration
	ScanTimeout        time.Duration
	ScanWindow         time.Duration
	Recovery           RecoveryConfig
	Log                LogConfig
	Sim                SimConfig
}

type RecoveryConfig struct {
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Attempts   int
}

type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type SimConfig struct {
	SpeedKmh           float64
	CadenceRPM         float64
	FailFirstSubscribe bool
}

func appDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, AppDir)
}

// NewFlagSet defines every setting as a flag with its default
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	defaultLog := "csc-monitor.log"
	defaultState := "state.json"
	if dir := appDir(); dir != "" {
		defaultLog = filepath.Join(dir, defaultLog)
		defaultState = filepath.Join(dir, defaultState)
	}

	fs.StringP(KeyConfig, "c", "", "Configuration file (default "+filepath.Join("~", AppDir, "config.yaml")+")")
	fs.StringP(KeyDevice, "d", "", "Device ID or address of the sensor (default: first sensor found)")
	fs.Bool(KeySimulate, false, "Use a simulated sensor instead of Bluetooth")
	fs.Bool(KeyPlain, false, "Print snapshots as log lines instead of the dashboard")
	fs.Float64(KeyWheelCircumference, csc.DefaultWheelCircumference, "Wheel circumference in meters")
	fs.Duration(KeyStaleAfter, csc.DefaultStaleAfter, "Gap after which averages restart")
	fs.Duration(KeyScanTimeout, 10*time.Second, "How long an advertisement keeps a device listed")
	fs.Duration(KeyScanWindow, 3*time.Second, "How long to scan when looking for devices")
	fs.Duration(KeyRecoveryDelay, connection.DefaultRecoveryDelay, "Wait between rediscovery attempts after re-pairing")
	fs.Duration(KeyRecoveryMaxDelay, connection.DefaultRecoveryDelay, "Cap on the rediscovery wait")
	fs.Float64(KeyRecoveryMultiplier, 1, "Growth of the rediscovery wait per attempt")
	fs.Int(KeyRecoveryAttempts, connection.DefaultRecoveryMaxAttempts, "Rediscovery attempts before giving up")
	fs.String(KeyStateFile, defaultState, "File remembering the last connected sensor")
	fs.String(KeyLogFile, defaultLog, "Log file")
	fs.Int(KeyLogMaxSize, 10, "Log file size in megabytes before it is rotated")
	fs.Int(KeyLogMaxBackups, 3, "Rotated log files to keep")
	fs.Int(KeyLogMaxAge, 28, "Days to keep rotated log files")
	fs.Float64(KeySimSpeed, 25, "Simulated speed in km/h")
	fs.Float64(KeySimCadence, 85, "Simulated cadence in rpm")
	fs.Bool(KeySimFailFirstSubscribe, false, "Make the simulated sensor refuse its first subscription")
	return fs
}

// Load resolves the configuration from args, CSC_* environment variables and the config
// file, in that order of precedence, then validates it
func Load(args []string) (Config, error) {
	fs := NewFlagSet("csc-monitor")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("binding flags: %w", err)
	}

	configFile := v.GetString(KeyConfig)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := appDir(); dir != "" {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := Config{
		ConfigFile:         v.ConfigFileUsed(),
		Device:             v.GetString(KeyDevice),
		Simulate:           v.GetBool(KeySimulate),
		Plain:              v.GetBool(KeyPlain),
		StateFile:          v.GetString(KeyStateFile),
		WheelCircumference: v.GetFloat64(KeyWheelCircumference),
		StaleAfter:         v.GetDuration(KeyStaleAfter),
		ScanTimeout:        v.GetDuration(KeyScanTimeout),
		ScanWindow:         v.GetDuration(KeyScanWindow),
		Recovery: RecoveryConfig{
			Delay:      v.GetDuration(KeyRecoveryDelay),
			MaxDelay:   v.GetDuration(KeyRecoveryMaxDelay),
			Multiplier: v.GetFloat64(KeyRecoveryMultiplier),
			Attempts:   v.GetInt(KeyRecoveryAttempts),
		},
		Log: LogConfig{
			File:       v.GetString(KeyLogFile),
			MaxSizeMB:  v.GetInt(KeyLogMaxSize),
			MaxBackups: v.GetInt(KeyLogMaxBackups),
			MaxAgeDays: v.GetInt(KeyLogMaxAge),
		},
		Sim: SimConfig{
			SpeedKmh:           v.GetFloat64(KeySimSpeed),
			CadenceRPM:         v.GetFloat64(KeySimCadence),
			FailFirstSubscribe: v.GetBool(KeySimFailFirstSubscribe),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	if c.WheelCircumference <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", KeyWheelCircumference, c.WheelCircumference))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", KeyStaleAfter, c.StaleAfter))
	}
	if c.ScanTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", KeyScanTimeout, c.ScanTimeout))
	}
	if c.ScanWindow <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", KeyScanWindow, c.ScanWindow))
	}
	if c.Recovery.Delay <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", KeyRecoveryDelay, c.Recovery.Delay))
	}
	if c.Recovery.MaxDelay < c.Recovery.Delay {
		errs = append(errs, fmt.Errorf("%s must be at least %s", KeyRecoveryMaxDelay, KeyRecoveryDelay))
	}
	if c.Recovery.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %v", KeyRecoveryMultiplier, c.Recovery.Multiplier))
	}
	if c.Recovery.Attempts < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyRecoveryAttempts, c.Recovery.Attempts))
	}
	if c.Log.File == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyLogFile))
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		errs = append(errs, errors.New("log rotation settings must not be negative"))
	}
	if c.Sim.SpeedKmh < 0 || c.Sim.CadenceRPM < 0 {
		errs = append(errs, errors.New("simulated speed and cadence must not be negative"))
	}
	return errors.Join(errs...)
}

// RecoveryPolicy converts the rediscovery settings
func (c Config) RecoveryPolicy() connection.RecoveryPolicy {
	return connection.RecoveryPolicy{
		InitialDelay: c.Recovery.Delay,
		MaxDelay:     c.Recovery.MaxDelay,
		Multiplier:   c.Recovery.Multiplier,
		MaxAttempts:  c.Recovery.Attempts,
	}
}

// CalculatorOptions converts the rate settings
func (c Config) CalculatorOptions() []csc.CalculatorOption {
	return []csc.CalculatorOption{
		csc.WithWheelCircumference(c.WheelCircumference),
		csc.WithStaleAfter(c.StaleAfter),
	}
}
