package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	signer "psbt-signer"
	"psbt-signer/animqr"
)

const (
	defaultConfigFilename = "airgapsign.conf"
	defaultNetwork        = "mainnet"
	defaultDensity        = "medium"
	defaultCoordinator    = "bluewallet"
	defaultFrameSource    = "-"
	defaultFrameOut       = "-"
	defaultDebugLevel     = "info"

	// DefaultPollInterval is how often the camera is polled for a new
	// frame while scanning.
	DefaultPollInterval = 50 * time.Millisecond
)

var (
	defaultConfigDir  = defaultAppDir()
	defaultConfigFile = filepath.Join(defaultConfigDir, defaultConfigFilename)
)

// Config holds the command line and config file options of airgapsign.
type Config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file"`

	Network      string        `long:"network" description:"The bitcoin network to sign for" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet"`
	QRDensity    string        `long:"qrdensity" description:"Amount of data per displayed QR code" choice:"low" choice:"medium" choice:"high"`
	PollInterval time.Duration `long:"pollinterval" description:"How often the camera is polled while scanning"`

	SeedFile   string `long:"seedfile" description:"File holding the BIP39 mnemonic"`
	Passphrase string `long:"passphrase" description:"Optional BIP39 passphrase"`

	Cosigners           []string `long:"cosigner" description:"Known multisig cosigner as [fingerprint/path]xpub; may be repeated"`
	Coordinator         string   `long:"coordinator" description:"Coordinator software receiving the signed psbt" choice:"bluewallet" choice:"generic"`
	AllowPolicyMismatch bool     `long:"allowpolicymismatch" description:"Sign multisig inputs even when a key is not a known cosigner"`

	FrameSource string `long:"framesource" description:"File or pipe delivering scanned QR strings one per line, - for stdin"`
	FrameOut    string `long:"frameout" description:"File receiving the signed psbt frames, - for stdout"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}"`

	// The following are derived by ValidateConfig.
	NetParams       *chaincfg.Params   `no-flag:"true"`
	Density         animqr.QRDensity   `no-flag:"true"`
	CoordinatorKind signer.Coordinator `no-flag:"true"`
	CosignerKeys    []*signer.Cosigner `no-flag:"true"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ConfigFile:   defaultConfigFile,
		Network:      defaultNetwork,
		QRDensity:    defaultDensity,
		PollInterval: DefaultPollInterval,
		Coordinator:  defaultCoordinator,
		FrameSource:  defaultFrameSource,
		FrameOut:     defaultFrameOut,
		DebugLevel:   defaultDebugLevel,
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.NewParser(&preCfg, flags.Default).ParseArgs(args); err != nil {
		return nil, err
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// A parse error is fatal, a missing file is not.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.NewParser(&cfg, flags.Default).ParseArgs(args); err != nil {
		return nil, err
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	if configFileError != nil {
		log.Debugf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration and fills in the derived
// fields.
func ValidateConfig(cfg Config) (*Config, error) {
	params, err := NetParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.NetParams = params

	cfg.Density, err = animqr.ParseQRDensity(cfg.QRDensity)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Coordinator) {
	case "bluewallet":
		cfg.CoordinatorKind = signer.BlueWallet
	case "generic":
		cfg.CoordinatorKind = signer.Generic
	default:
		return nil, fmt.Errorf("unknown coordinator %q", cfg.Coordinator)
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("pollinterval must be positive, got %v",
			cfg.PollInterval)
	}

	cfg.CosignerKeys = nil
	for _, s := range cfg.Cosigners {
		c, err := signer.ParseCosigner(s)
		if err != nil {
			return nil, fmt.Errorf("cosigner %q: %w", s, err)
		}
		cfg.CosignerKeys = append(cfg.CosignerKeys, c)
	}

	if cfg.SeedFile == "" {
		return nil, errors.New("seedfile must be set")
	}
	cfg.SeedFile = CleanAndExpandPath(cfg.SeedFile)
	if cfg.FrameSource != "-" {
		cfg.FrameSource = CleanAndExpandPath(cfg.FrameSource)
	}
	if cfg.FrameOut != "-" {
		cfg.FrameOut = CleanAndExpandPath(cfg.FrameOut)
	}

	return &cfg, nil
}

// NetParams maps a network name to its chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

func defaultAppDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".airgapsign")
}
