package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
)

const (
	configDir  = "config"
	configTOML = "ceremony.toml"
	configJSON = "ceremony.json"

	envPrefix = "CEREMONY"
	redacted  = "<redacted>"
)

// envKeys may be set from CEREMONY_<SECTION>_<KEY>, e.g.
// CEREMONY_API_OPERATOR_SECRET.
var envKeys = []string{
	"storage.backend",
	"storage.data_dir",
	"api.listen_addr",
	"api.operator_secret",
	"metrics.listen_addr",
	"log.level",
	"log.format",
	"log.file",
	"geoip.db_path",
}

// LoadConfig reads the daemon configuration on top of the defaults. An
// explicit path wins; otherwise config/ceremony.toml and then
// config/ceremony.json under home are tried. The returned path is empty
// when no file was found.
func LoadConfig(home, path string) (*coordinator.Config, string, error) {
	cfg := coordinator.DefaultConfig(home)
	if path == "" {
		for _, name := range []string{configTOML, configJSON} {
			candidate := filepath.Join(home, configDir, name)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, "", err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, path, nil
}

// ConfigCmd groups the configuration commands.
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the daemon configuration",
	}
	cmd.AddCommand(configInitCmd(), configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to <home>/config/ceremony.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home := homeDir(cmd)
			path := filepath.Join(home, configDir, configJSON)
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := coordinator.DefaultConfig(home)
			if err := coordinator.SaveConfig(&cfg, path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing configuration")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			explicit, _ := cmd.Flags().GetString(flagConfig)
			cfg, path, err := LoadConfig(homeDir(cmd), explicit)
			if err != nil {
				return err
			}
			if cfg.API.OperatorSecret != "" {
				cfg.API.OperatorSecret = redacted
			}
			if path != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "loaded %s\n", path)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	cmd.Flags().String(flagConfig, "", "configuration file (default <home>/config/ceremony.toml or .json)")
	return cmd
}
