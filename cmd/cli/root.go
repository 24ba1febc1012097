// Package cli provides the command-line interface of scanqueue.
// This package implements the Cobra-based CLI structure with commands for
// serving the API, running and resuming scan sessions, previewing scanner
// commands, reading project aggregates and managing database migrations.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanqueue/internal/api/handlers"
	"github.com/anstrom/scanqueue/internal/config"
	"github.com/anstrom/scanqueue/internal/logging"
)

const envPrefix = "SCANQUEUE"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanqueue",
	Short: "Resumable nmap scan sessions",
	Long: `scanqueue runs nmap over an ordered list of targets, one target at a
time, appending each result to a per-project log. Interrupted sessions can
be resumed from the first unscanned target, and every session streams its
progress as ordered events.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig wires viper to the config file and SCANQUEUE_* variables.
func initConfig() {
	configureViper(viper.GetViper(), cfgFile)

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

func configureViper(v *viper.Viper, file string) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// getConfigFilePath returns the config file in effect.
func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return "config.yaml"
}

// loadConfig reads the config file and applies environment and flag
// overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	applyOverrides(cfg, viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies every explicitly set viper key over the file values.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	strs := map[string]*string{
		"scanning.binary_path": &cfg.Scanning.BinaryPath,
		"scanning.work_dir":    &cfg.Scanning.WorkDir,
		"database.host":        &cfg.Database.Host,
		"database.database":    &cfg.Database.Database,
		"database.username":    &cfg.Database.Username,
		"database.password":    &cfg.Database.Password,
		"database.ssl_mode":    &cfg.Database.SSLMode,
		"api.host":             &cfg.API.Host,
		"logging.level":        &cfg.Logging.Level,
		"logging.format":       &cfg.Logging.Format,
		"logging.output":       &cfg.Logging.Output,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	ints := map[string]*int{
		"database.port":                    &cfg.Database.Port,
		"api.port":                         &cfg.API.Port,
		"scanning.max_targets_per_session": &cfg.Scanning.MaxTargetsPerSession,
		"scanning.max_concurrent_scans":    &cfg.Scanning.MaxConcurrentScans,
	}
	for key, dst := range ints {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	if v.IsSet("maintenance.stale_session_schedule") {
		cfg.Maintenance.StaleSessionSchedule = v.GetString("maintenance.stale_session_schedule")
	}
	if v.IsSet("scanning.target_timeout") {
		cfg.Scanning.TargetTimeout = v.GetDuration("scanning.target_timeout")
	}
	if v.IsSet("scanning.verify_on_start") {
		cfg.Scanning.VerifyOnStart = v.GetBool("scanning.verify_on_start")
	}
	if v.IsSet("api.allowed_origins") {
		cfg.API.AllowedOrigins = v.GetStringSlice("api.allowed_origins")
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
	handlers.Version = v
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyOverrides(cfg, viper.GetViper())

	logConfig := logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.Level == "debug",
	}
	if verbose {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", logConfig.Level, "format", cfg.Logging.Format)
	}
}
