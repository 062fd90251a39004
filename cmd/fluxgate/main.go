package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fluxgate",
	Short: "Multi-tenant conversational AI gateway",
	Long: `fluxgate multiplexes chat sessions onto LLM providers, enriches prompts
with retrieved knowledge and tool outputs, persists conversations for
replay, and fans token streams out to concurrent subscribers.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			if err := logger.SetLogLevel(level); err != nil {
				return err
			}
		}
		if format, _ := cmd.Flags().GetString("log-format"); format != "" {
			logger.SetLogFormat(format)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, text)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
