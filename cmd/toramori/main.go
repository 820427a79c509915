// Command toramori runs the auth and region verification API and its
// maintenance tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systemcmd0122/toramori/internal/config"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	envFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "toramori",
	Short: "Toramori auth and region verification server",
	Long: `toramori serves the sign-in, display-name and region verification flow
used by the Toramori community app.

Configuration is read from configs/toramori.yaml (or --config), an optional
.env file, and TORAMORI_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		c, err := config.Load(config.Options{ConfigFile: cfgFile, EnvFile: envFile})
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/toramori.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before reading the environment (default .env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(regionCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the toramori version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("toramori", version)
	},
}
