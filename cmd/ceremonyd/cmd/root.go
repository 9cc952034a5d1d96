package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Steake/BitCell-sub003/x/ceremony/client/cli"
)

const (
	// EnvHome overrides the home directory.
	EnvHome = "CEREMONY_HOME"

	flagHome   = "home"
	flagConfig = "config"
)

// Version is set at build time.
var Version = "dev"

// DefaultHome is the home directory used when neither --home nor
// CEREMONY_HOME is given.
func DefaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".bitcell-ceremony"
	}
	return filepath.Join(dir, ".bitcell-ceremony")
}

// NewRootCmd creates the ceremonyd root command. home is the default for
// --home, already resolved from the environment by the caller.
func NewRootCmd(home string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ceremonyd",
		Short: "BitCell trusted setup ceremony",
		Long: `ceremonyd runs the coordinator of a multi-party trusted setup ceremony and
provides the participant and auditor tools: deriving the initial parameters,
contributing, verifying contributions and transcripts, and finalizing keys.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// set the default command outputs
			cmd.SetOut(cmd.OutOrStdout())
			cmd.SetErr(cmd.ErrOrStderr())
			return nil
		},
	}
	rootCmd.PersistentFlags().String(flagHome, home, "directory for config and data")

	initRootCmd(rootCmd)
	return rootCmd
}

func initRootCmd(rootCmd *cobra.Command) {
	// participant and auditor tools, usable without a coordinator
	rootCmd.AddCommand(
		cli.GetInitCmd(),
		cli.GetContributeCmd(),
		cli.GetVerifyCmd(),
		cli.GetFinalizeCmd(),
		cli.GetAuditCmd(),
		cli.GetAttestCmd(),
		cli.GetKeysCmd(),
	)

	// coordinator clients
	rootCmd.AddCommand(
		cli.GetStatusCmd(),
		cli.GetDownloadCmd(),
		cli.GetSubmitCmd(),
		cli.GetTranscriptCmd(),
		cli.GetOperatorCmd(),
	)

	rootCmd.AddCommand(
		ServeCmd(),
		TokenCmd(),
		ConfigCmd(),
		versionCmd(),
	)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func homeDir(cmd *cobra.Command) string {
	home, _ := cmd.Flags().GetString(flagHome)
	return home
}
