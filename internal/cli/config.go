package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tsawler/go-meanteacher/config"
	"gopkg.in/yaml.v3"
)

func (a *app) newConfigCommand() *cobra.Command {
	var keys bool

	cmd := &cobra.Command{
		Use:   "config [KEY VALUE]...",
		Short: "Print the resolved configuration",
		Long: `Print the configuration a train run would use, as YAML. With --keys, list
every key that can be overridden.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keys {
				names := config.Keys(config.NewViper(a.fs))
				sort.Strings(names)
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
				return nil
			}
			cfg, err := a.loadConfig(args)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&keys, "keys", false, "list the configuration keys")
	return cmd
}
