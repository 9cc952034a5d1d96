package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Steake/BitCell-sub003/x/ceremony/server"
)

// TokenCmd issues an operator token signed with the configured secret.
func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [operator]",
		Short: "Issue an operator token for the coordinator API",
		Long: `Issue a bearer token for the operator endpoints, signed with the operator
secret from the configuration. Pass it to the operator commands with --token or
$CEREMONY_TOKEN.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit, _ := cmd.Flags().GetString(flagConfig)
			cfg, _, err := LoadConfig(homeDir(cmd), explicit)
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				ttl = cfg.API.TokenTTL
			}

			auth := server.NewAuthService(cfg.API.OperatorSecret, ttl)
			if auth == nil {
				return fmt.Errorf("no operator secret configured; set api.operator_secret or $%s_API_OPERATOR_SECRET", envPrefix)
			}
			token, expires, err := auth.IssueToken(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Token     string    `json:"token"`
				Operator  string    `json:"operator"`
				ExpiresAt time.Time `json:"expires_at"`
			}{token, args[0], expires})
		},
	}
	cmd.Flags().String(flagConfig, "", "configuration file")
	cmd.Flags().Duration("ttl", 0, "token lifetime (default api.token_ttl)")
	return cmd
}
