// Package commands contains the admin commands.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	dbEngine    string
	dbPath      string
	genesisPath string
	publicURL   string
	privateURL  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "admin",
	Short:         "Administrative tasks for a seagull node",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(build string) error {
	rootCmd.Version = build
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbEngine, "db-engine", "disk", "Storage engine of the node: memory, disk, pebble or leveldb.")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "zblock/node1/", "Path to the node's block storage.")
	rootCmd.PersistentFlags().StringVar(&genesisPath, "genesis", "zblock/genesis.json", "Path to the genesis file.")
	rootCmd.PersistentFlags().StringVar(&publicURL, "url", "http://localhost:8080", "Url of the node's public api.")
	rootCmd.PersistentFlags().StringVar(&privateURL, "private-url", "http://localhost:9080", "Url of the node's private api.")

	rootCmd.AddCommand(balancesCmd, verifyCmd, sendCmd, statusCmd)
}
