package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrelsearch/kestrel/configs"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an annotated kestrel.yaml to the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		const path = "kestrel.yaml"

		if !initForce {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}

		if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o644); err != nil {
			return err
		}

		fmt.Printf("Wrote %s. Edit it, then run 'kestrel -c %s build'.\n", path, path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing kestrel.yaml")
	rootCmd.AddCommand(initCmd)
}
