package commands

import (
	"fmt"

	"github.com/beam-cloud/asar/pkg/asar"
	"github.com/beam-cloud/asar/pkg/config"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
	cfg      *viper.Viper
)

var RootCmd = &cobra.Command{
	Use:               "asarctl",
	Short:             "Pack, extract, list and mount asar archives",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (YAML)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, disabled")

	RootCmd.AddCommand(PackCmd)
	RootCmd.AddCommand(ExtractCmd)
	RootCmd.AddCommand(ListCmd)
	RootCmd.AddCommand(MountCmd)
	RootCmd.AddCommand(StoreCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, err := expandPath(cfgFile)
	if err != nil {
		return err
	}

	v, err := config.New(path)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}
	if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
		return err
	}
	cfg = v

	return asar.SetLogLevel(cfg.GetString("log.level"))
}

// bindFlags makes flags of cmd override the config keys they are mapped to.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for name, key := range keys {
		var f *pflag.Flag
		if f = cmd.Flags().Lookup(name); f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := cfg.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// expandPath resolves a leading ~ to the home directory.
func expandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("could not expand %s: %w", p, err)
	}
	return expanded, nil
}

func expandPaths(paths ...*string) error {
	for _, p := range paths {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}
