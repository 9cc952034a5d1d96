package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Steake/BitCell-sub003/cmd/ceremonyd/cmd"
)

func main() {
	home := resolveHome(os.Args[1:])

	rootCmd := cmd.NewRootCmd(home)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveHome returns the configured ceremony home directory.
// It honors CEREMONY_HOME and the --home flag if provided.
func resolveHome(args []string) string {
	if home := os.Getenv(cmd.EnvHome); home != "" {
		return home
	}

	for i, arg := range args {
		if strings.HasPrefix(arg, "--home=") {
			return strings.SplitN(arg, "=", 2)[1]
		}
		if arg == "--home" && i+1 < len(args) {
			return args[i+1]
		}
	}

	return cmd.DefaultHome()
}
