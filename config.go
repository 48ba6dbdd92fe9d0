package walletsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/walletsync/build"
	"github.com/lightningnetwork/walletsync/signal"
	"github.com/lightningnetwork/walletsync/walletcfg"
)

const (
	defaultDataDirname = "data"
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "walletsync.log"
)

var (
	// DefaultWalletDir is the default directory where walletsyncd tries to
	// find its configuration file and store its data. This is a directory
	// in the user's application data, for example:
	//   C:\Users\<username>\AppData\Local\Walletsync on Windows
	//   ~/.walletsync on Linux
	//   ~/Library/Application Support/Walletsync on MacOS
	DefaultWalletDir = btcutil.AppDataDir("walletsync", false)

	// DefaultConfigFile is the default full path of walletsyncd's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultWalletDir, walletcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultWalletDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultWalletDir, defaultLogDirname)
)

// Config defines the configuration options for walletsyncd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	WalletDir  string `long:"walletdir" description:"The base directory that contains walletsyncd's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store walletsyncd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Bitcoind *walletcfg.Bitcoind `group:"bitcoind" namespace:"bitcoind"`

	Store *walletcfg.Store `group:"store" namespace:"store"`

	Wallet *walletcfg.Wallet `group:"wallet" namespace:"wallet"`

	Sync *walletcfg.Sync `group:"sync" namespace:"sync"`

	HealthChecks *walletcfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// SubLogMgr is the root logger that all the daemon's subloggers are
	// hooked up to.
	SubLogMgr *build.SubLoggerManager

	// LogRotator is the log file writer.
	LogRotator *build.RotatingLogWriter

	// ActiveNetParams are the parameters of the wallet network.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		WalletDir:    DefaultWalletDir,
		ConfigFile:   DefaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		Bitcoind:     walletcfg.DefaultBitcoind(),
		Store:        walletcfg.DefaultStore(),
		Wallet:       walletcfg.DefaultWallet(),
		Sync:         walletcfg.DefaultSync(),
		HealthChecks: walletcfg.DefaultHealthCheck(),
		LogConfig:    build.DefaultLogConfig(),
		LogRotator:   build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.CommitHash())
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their walletdir, then we should assume they intend to use
	// the config file within it.
	configFileDir := walletcfg.CleanAndExpandPath(preCfg.WalletDir)
	configFilePath := walletcfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultWalletDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, walletcfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage, interceptor)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		wsynLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string,
	interceptor signal.Interceptor) (*Config, error) {

	// If the provided wallet directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	walletDir := walletcfg.CleanAndExpandPath(cfg.WalletDir)
	if walletDir != DefaultWalletDir {
		cfg.DataDir = filepath.Join(walletDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(walletDir, defaultLogDirname)
	}

	funcName := "ValidateConfig"
	makeDirectory := func(dir string) error {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			// Show a nicer error message if it's because a symlink
			// is linked to a directory that does not exist
			// (probably because it's not mounted).
			var pathErr *os.PathError
			if errors.As(err, &pathErr) && os.IsExist(err) {
				link, lerr := os.Readlink(pathErr.Path)
				if lerr == nil {
					str := "is symlink %s -> %s mounted?"
					err = fmt.Errorf(str, pathErr.Path, link)
				}
			}

			str := "%s: Failed to create walletsync directory '%s': %v"
			return fmt.Errorf(str, funcName, dir, err)
		}

		return nil
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = walletcfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = walletcfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Bitcoind.Dir = walletcfg.CleanAndExpandPath(cfg.Bitcoind.Dir)
	cfg.Bitcoind.RPCCookie = walletcfg.CleanAndExpandPath(
		cfg.Bitcoind.RPCCookie,
	)

	// Validate the subconfigs before anything touches the disk.
	err := walletcfg.Validate(
		cfg.Bitcoind,
		cfg.Store,
		cfg.Wallet,
		cfg.Sync,
		cfg.HealthChecks,
		cfg.LogConfig,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w\n%s", funcName, err,
			usageMessage)
	}

	cfg.ActiveNetParams, err = walletcfg.NetParams(cfg.Wallet.Network)
	if err != nil {
		return nil, err
	}

	// Data and logs are kept apart per network so a single walletdir can
	// serve several wallets.
	network := walletcfg.NormalizeNetwork(cfg.ActiveNetParams.Name)
	cfg.DataDir = filepath.Join(cfg.DataDir, network)
	cfg.LogDir = filepath.Join(cfg.LogDir, network)

	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := makeDirectory(dir); err != nil {
			return nil, err
		}
	}

	// A log writer must be passed in, otherwise we can't function and
	// would run into a panic later on.
	if cfg.LogRotator == nil {
		return nil, errors.New("log writer missing in config")
	}

	cfg.SubLogMgr = build.NewSubLoggerManager(build.NewDefaultLogHandlers(
		cfg.LogConfig, cfg.LogRotator,
	)...)

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.SubLogMgr, interceptor)

	if cfg.LogConfig.File.MaxLogFiles > 0 {
		err = cfg.LogRotator.InitLogRotator(
			cfg.LogConfig.File,
			filepath.Join(cfg.LogDir, defaultLogFilename),
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", funcName, err)
		}
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.SubLogMgr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w\n%s", funcName, err,
			usageMessage)
	}

	// All good, return the sanitized result.
	return &cfg, nil
}
