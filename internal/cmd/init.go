package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amurg-ai/askrelay/internal/wizard"
	"github.com/amurg-ai/askrelay/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			_, err := wizard.New(p).Run(output)
			return err
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path, .json or .yaml (default: ./askrelay.json)")
	return cmd
}
