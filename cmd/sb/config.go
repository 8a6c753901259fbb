package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratboard/stratboard/internal/config"
	"github.com/stratboard/stratboard/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create or inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")

		if err := config.Default().WriteFile(path, force); err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file,
SB_* environment variables and flags. Tokens are masked.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# from %s\n", used)
		} else {
			fmt.Println("# no config file found, showing defaults and overrides")
		}
		data, err := cfg.EncodeYAML()
		if err != nil {
			fail("%v", err)
		}
		os.Stdout.Write(data)
	},
}

func init() {
	configInitCmd.Flags().String("path", config.FileName, "Where to write the file")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
