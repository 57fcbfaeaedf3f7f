package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dispatchgrid/consolehub/globals"
)

const (
	defaultDataPath        = "data.json"
	defaultBackupDir       = "backups"
	defaultBsuDataPath     = "bsudata.json"
	defaultSweepInterval   = 30 * time.Second
	defaultHistorySize     = 20
	defaultBaseDelay       = 3 * time.Second
	defaultMaxDelay        = 15 * time.Second
	defaultMaxAttempts     = 5
	defaultBackupRetention = 0 // unbounded
	defaultPruneSpec       = "@hourly"
)

// Config is the global configuration object, filled from the configuration
// file(s), CONSOLEHUB_* environment variables and command-line flags. It is
// loaded once at startup and passed around as an immutable snapshot, runtime
// mutation of settings goes through the store.
type Config struct {
	StoreConfig   StoreConfig   `mapstructure:"store"`
	HubConfig     HubConfig     `mapstructure:"hub"`
	ArchiveConfig ArchiveConfig `mapstructure:"archive"`
	ClientConfig  ClientConfig  `mapstructure:"client"`
	LogLevel      string        `mapstructure:"log_level"`
	EncryptionKey string        `mapstructure:"encryption_key"`
}

// StoreConfig configures the dataset file stores.
type StoreConfig struct {
	DataPath        string `mapstructure:"data_path"`
	BackupDir       string `mapstructure:"backup_dir"`
	LockPath        string `mapstructure:"lock_path"`
	BsuDataPath     string `mapstructure:"bsu_data_path"` // base-station unit inventory file
	BackupRetention int    `mapstructure:"backup_retention"` // newest snapshots kept, 0 = unbounded
	PruneSpec       string `mapstructure:"prune_spec"`       // cron spec for the pruning job
}

// HubConfig configures the broadcast hub.
type HubConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	HistorySize   int           `mapstructure:"history_size"`
}

// ArchiveConfig configures the optional event archive. Type is one of
// "buntdb", "sqlite", "postgres"; an empty type disables archiving.
type ArchiveConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// ClientConfig configures the console-side reconnection discipline.
type ClientConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("store-data-path", "", "path to the dataset file")
	flagSet.String("store-backup-dir", "", "path to the backup directory")
	flagSet.String("log-level", "", "log level")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.Replace(name, "-", "_", -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("store.data_path", defaultDataPath)
	viper.SetDefault("store.backup_dir", defaultBackupDir)
	viper.SetDefault("store.bsu_data_path", defaultBsuDataPath)
	viper.SetDefault("store.backup_retention", defaultBackupRetention)
	viper.SetDefault("store.prune_spec", defaultPruneSpec)
	viper.SetDefault("hub.sweep_interval", defaultSweepInterval)
	viper.SetDefault("hub.history_size", defaultHistorySize)
	viper.SetDefault("client.base_delay", defaultBaseDelay)
	viper.SetDefault("client.max_delay", defaultMaxDelay)
	viper.SetDefault("client.max_attempts", defaultMaxAttempts)
	for flagName, key := range map[string]string{
		"store-data-path":  "store.data_path",
		"store-backup-dir": "store.backup_dir",
		"log-level":        "log_level",
	} {
		if f := flagSet.Lookup(flagName); f != nil {
			if err := viper.BindPFlag(key, f); err != nil {
				globals.AppLogger.Error("could not bind flag (ignored)", "flag", flagName, "error", err)
			}
		}
	}
	viper.SetEnvPrefix("CONSOLEHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}
	return &cfg, nil
}
