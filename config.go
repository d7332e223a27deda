package spvchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btclog/v2"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvchain/build"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/lnutils"
	"github.com/lightningnetwork/spvchain/netparams"
	"github.com/lightningnetwork/spvchain/signal"
	"github.com/lightningnetwork/spvchain/spvcfg"
)

const (
	defaultDataDirname = "data"
	defaultLogDirname  = "logs"
	defaultLogLevel    = "info"

	// DefaultStatsInterval is the default interval at which the daemon
	// logs the chain statistics while they change.
	DefaultStatsInterval = time.Minute

	// DefaultBatchSize is the default number of headers handed to the
	// chain per batch when importing a headers file.
	DefaultBatchSize = 500
)

var (
	// DefaultSpvDir is the default directory where the daemon keeps its
	// data and logs.
	DefaultSpvDir = btcutil.AppDataDir("spvchain", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultSpvDir, spvcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultSpvDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultSpvDir, defaultLogDirname)
)

// Config defines the configuration options for spvchaind.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	SpvDir     string `long:"spvdir" description:"The base directory that contains the daemon's data and logs."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the finalized header database within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	HeadersFile string `long:"headersfile" description:"File holding one hex encoded 80-byte header per line to import into the chain."`
	BatchSize   int    `long:"batchsize" description:"Number of headers handed to the chain at once while importing."`
	Synthesize  int    `long:"synthesize" description:"Number of headers to mine on top of the best tip after the import. Only allowed on regtest and devnet."`

	StatsInterval time.Duration `long:"statsinterval" description:"Interval at which the chain statistics are logged while they change."`

	Chain *spvcfg.Chain `group:"chain" namespace:"chain"`

	DB *spvcfg.DB `group:"db" namespace:"db"`

	Prometheus *spvcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *spvcfg.HealthCheck `group:"healthcheck" namespace:"healthcheck"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// LogRotator is the log writer shared by all file loggers.
	LogRotator *build.RotatingLogWriter `no-flag:"true"`

	// SubLogMgr is the root logger that all the daemon's subloggers are
	// hooked up to.
	SubLogMgr *build.SubLoggerManager `no-flag:"true"`

	// network is the parsed network of the chain section.
	network netparams.Network

	// startHeader is the parsed start header of the chain section.
	startHeader fn.Option[*headers.Record]
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		SpvDir:        DefaultSpvDir,
		ConfigFile:    DefaultConfigFile,
		DataDir:       defaultDataDir,
		LogDir:        defaultLogDir,
		DebugLevel:    defaultLogLevel,
		BatchSize:     DefaultBatchSize,
		StatsInterval: DefaultStatsInterval,
		Chain:         spvcfg.DefaultChain(),
		DB:            spvcfg.DefaultDB(),
		Prometheus:    spvcfg.DefaultPrometheus(),
		HealthChecks:  spvcfg.DefaultHealthCheck(),
		LogConfig:     build.DefaultLogConfig(),
		LogRotator:    build.NewRotatingLogWriter(),
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

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their spvdir, then we should assume they intend to use the
	// config file within it.
	configFileDir := spvcfg.CleanAndExpandPath(preCfg.SpvDir)
	configFilePath := spvcfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultSpvDir && configFilePath == DefaultConfigFile {
		configFilePath = filepath.Join(
			configFileDir, spvcfg.DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(configFilePath)
	if err != nil {
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
	cleanCfg, err := ValidateConfig(cfg, interceptor)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		spvdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized and the directories are created. The cleaned up config is
// returned on success.
func ValidateConfig(cfg Config, interceptor signal.Interceptor) (*Config,
	error) {

	// If the provided spv directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	spvDir := spvcfg.CleanAndExpandPath(cfg.SpvDir)
	if spvDir != DefaultSpvDir {
		cfg.DataDir = filepath.Join(spvDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(spvDir, defaultLogDirname)
	}

	cfg.DataDir = spvcfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = spvcfg.CleanAndExpandPath(cfg.LogDir)
	cfg.HeadersFile = spvcfg.CleanAndExpandPath(cfg.HeadersFile)

	if err := spvcfg.Validate(
		cfg.Chain, cfg.DB, cfg.Prometheus, cfg.HealthChecks,
		cfg.LogConfig,
	); err != nil {
		return nil, err
	}

	var err error
	cfg.network, err = cfg.Chain.ParseNetwork()
	if err != nil {
		return nil, err
	}
	cfg.startHeader, err = cfg.Chain.ParseStartHeader()
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.BatchSize < 1:
		return nil, fmt.Errorf("batch size must be positive, got %d",
			cfg.BatchSize)

	case cfg.StatsInterval <= 0:
		return nil, fmt.Errorf("stats interval must be positive, got %v",
			cfg.StatsInterval)

	case cfg.Synthesize < 0:
		return nil, fmt.Errorf("synthesize count must not be "+
			"negative, got %d", cfg.Synthesize)

	case cfg.Synthesize > 0 && !cfg.network.AllowsSynthesis():
		return nil, fmt.Errorf("header synthesis is not allowed on "+
			"%v", cfg.network)
	}

	// Create the spv directory and all other sub directories if they
	// don't already exist.
	for _, dir := range []string{spvDir, cfg.DataDir, cfg.LogDir} {
		if err := lnutils.CreateDir(dir, 0700); err != nil {
			str := "failed to create spvchain directory: %w"
			err := fmt.Errorf(str, err)
			_, _ = fmt.Fprintln(os.Stderr, err)

			return nil, err
		}
	}

	// Set up the sub logger manager and the log rotator before anything
	// else can log. Tests may hand in their own manager.
	if cfg.SubLogMgr == nil {
		console, file := build.NewDefaultLoggers(
			cfg.LogConfig, cfg.LogRotator,
		)

		var handlers []btclog.Handler
		if !cfg.LogConfig.Console.Disable {
			handlers = append(handlers, console)
		}
		if !cfg.LogConfig.File.Disable {
			logFile := filepath.Join(
				cfg.LogDir, cfg.network.String(),
				spvcfg.DefaultLogFilename,
			)
			err := cfg.LogRotator.InitLogRotator(
				cfg.LogConfig.File, logFile,
			)
			if err != nil {
				str := "log rotation setup failed: %w"
				err = fmt.Errorf(str, err)
				_, _ = fmt.Fprintln(os.Stderr, err)

				return nil, err
			}

			handlers = append(handlers, file)
		}

		cfg.SubLogMgr = build.NewSubLoggerManager(handlers...)
	}
	SetupLoggers(cfg.SubLogMgr, interceptor)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.SubLogMgr)
	if err != nil {
		str := "error parsing debug level: %w"
		return nil, fmt.Errorf(str, err)
	}

	return &cfg, nil
}

// Network returns the network the daemon tracks.
func (c *Config) Network() netparams.Network {
	return c.network
}

// StartHeader returns the header the chain is rooted at, if one was
// configured.
func (c *Config) StartHeader() fn.Option[*headers.Record] {
	return c.startHeader
}
