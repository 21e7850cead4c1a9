package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/database"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after merging defaults, the config file, SURFACEMAP_*
environment variables and flags. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "# config file: %s\n", used)
		}
		return writeConfig(cmd.OutOrStdout(), *cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

// writeConfig masks secrets and writes c with the same keys viper reads, so
// the output can be used as a config file.
func writeConfig(w io.Writer, c config.Config) error {
	if c.Security.APIKey != "" {
		c.Security.APIKey = masked
	}
	if c.Redis.Password != "" {
		c.Redis.Password = masked
	}
	if c.Database.DSN != "" {
		c.Database.DSN = database.MaskDSN(c.Database.DSN)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

const masked = "********"
