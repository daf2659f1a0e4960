// Command jt is the jumpterm client: it opens terminal sessions on targets
// and replays recorded sessions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gluk-w/jumpterm/internal/config"
)

// cfg holds the client settings, populated in PersistentPreRunE.
var cfg config.Client

var (
	serverFlag string
	tokenFlag  string
)

var rootCmd = &cobra.Command{
	Use:           "jt",
	Short:         "Open and replay terminal sessions through a jumpterm server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadClient()
		if err != nil {
			return err
		}
		if serverFlag != "" {
			c.Server = serverFlag
		}
		if tokenFlag != "" {
			c.Token = tokenFlag
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "server URL (default $JT_SERVER or http://localhost:8000)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "API token (default $JT_TOKEN)")
	rootCmd.AddCommand(loginCmd, connectCmd, sessionsCmd, auditCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jt:", err)
		os.Exit(1)
	}
}
