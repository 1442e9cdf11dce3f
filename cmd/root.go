package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/cursor-api/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "cursor-api",
	Short: "OpenAI-compatible gateway for the vendor's framed Protobuf API",
	Long:  "cursor-api exposes OpenAI chat completions and a code-completion surface, translating them onto the vendor's framed Protobuf streaming protocol with pooled credentials.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("cursor-api"))
		},
	})
}
