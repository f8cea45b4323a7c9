// Package config loads asarctl settings from defaults, an optional YAML file
// and ASAR_* environment variables, in increasing order of precedence.
package config

import (
	"runtime"
	"strings"

	"github.com/beam-cloud/asar/pkg/common"
	"github.com/spf13/viper"
)

const EnvPrefix = "ASAR"

// New returns a viper instance with every default set. A non-empty path is
// read as a YAML config file.
func New(path string) (*viper.Viper, error) {
	var (
		err error
		v   = viper.New()
	)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	defaultConfiguration(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		err = v.ReadInConfig()
	}

	return v, err
}

func defaultConfiguration(cfg *viper.Viper) {
	cfg.SetDefault("log.level", "info")

	cfg.SetDefault("integrity.enabled", true)
	cfg.SetDefault("integrity.block_size", common.DefaultBlockSize)
	cfg.SetDefault("integrity.verify", false)

	cfg.SetDefault("pack.workers", runtime.NumCPU())
	cfg.SetDefault("pack.unpack", "")
	cfg.SetDefault("pack.unpack_dir", "")

	cfg.SetDefault("s3.region", "")
	cfg.SetDefault("s3.endpoint", "")
	cfg.SetDefault("s3.force_path_style", false)
	cfg.SetDefault("s3.access_key", "")
	cfg.SetDefault("s3.secret_key", "")
}
