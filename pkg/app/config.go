package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autopeer-io/flashota/pkg/log"
)

const configFlagName = "config"

// envPrefix is prepended to every environment variable, e.g.
// FLASHOTA_FLASH_DEVICE overrides --flash.device.
const envPrefix = "FLASHOTA"

// addConfigFlag registers --config and arranges for the configuration to be
// read before the command runs.
func addConfigFlag(basename string, fs *pflag.FlagSet, cfgFile *string) {
	fs.StringVarP(cfgFile, configFlagName, "c", *cfgFile,
		"Read configuration from the specified file, support JSON, TOML, YAML formats.")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if *cfgFile == "" {
		viper.SetConfigName(basename)
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, "."+basename))
		}
		viper.AddConfigPath(filepath.Join("/etc", basename))
	}
}

// loadConfig reads the configuration file, if any. A missing file is not an
// error when it was not named explicitly.
func loadConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	log.Info("Using config file", "file", viper.ConfigFileUsed())
	return nil
}

// watchConfig calls fn every time the configuration file changes on disk.
func watchConfig(fn func(v *viper.Viper)) {
	if viper.ConfigFileUsed() == "" {
		return
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		log.Info("Config file changed", "file", e.Name, "op", e.Op.String())
		fn(viper.GetViper())
	})
	viper.WatchConfig()
}
