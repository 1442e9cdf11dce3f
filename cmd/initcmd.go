package cmd

import (
	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/cursor-api/pkg/wizard"
)

var initEnvPath string

func init() {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive first-time setup, writes a .env file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wizard.Run(initEnvPath)
		},
	}
	initCmd.Flags().StringVar(&initEnvPath, "env-file", ".env", "Path of the env file to write")
	rootCmd.AddCommand(initCmd)
}
