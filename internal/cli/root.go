// Package cli defines the rekey and worker command trees.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ahrav/rekey/internal/config"
)

// settings carries the viper instance a command tree binds its flags to.
type settings struct {
	v          *viper.Viper
	configPath string
}

func newSettings() *settings {
	return &settings{v: config.NewViper()}
}

// load resolves the effective configuration for cmd.
func (s *settings) load(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cmd.Context(), s.v, s.configPath)
}

// bind ties a flag to a config key; the flag wins only when set.
func (s *settings) bind(flags *pflag.FlagSet, flag, key string) {
	if err := s.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", flag, err))
	}
}

// NewRootCmd creates the rekey command: run, reset and config.
func NewRootCmd(version string) *cobra.Command {
	s := newSettings()

	cmd := &cobra.Command{
		Use:           "rekey",
		Short:         "Regenerate the token of every record in a table, resumably",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  # Rekey the tickets table with the defaults
  rekey run

  # Start over with a larger batch, checkpointing in etcd
  rekey run --reset --batch-size 5000 --checkpoint-backend etcd

  # Fan pages out to remote workers
  rekey run --async --executor kafka --workers-max 16

  # Show the effective configuration
  rekey config show --config rekey.yaml`,
	}

	cmd.PersistentFlags().StringVar(&s.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().String("checkpoint-backend", config.Default().Checkpoint.Backend, "checkpoint backend: file, etcd or postgres")
	cmd.PersistentFlags().String("log-level", config.Default().Log.Level, "log level: debug, info, warn or error")
	s.bind(cmd.PersistentFlags(), "checkpoint-backend", "checkpoint.backend")
	s.bind(cmd.PersistentFlags(), "log-level", "log.level")

	cmd.AddCommand(newRunCmd(s), newResetCmd(s), newConfigCmd(s))
	return cmd
}
