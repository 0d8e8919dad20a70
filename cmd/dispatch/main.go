package main

import (
	"fmt"
	"os"

	"github.com/cuemby/dispatch/pkg/api"
	"github.com/cuemby/dispatch/pkg/client"
	"github.com/cuemby/dispatch/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch - resource-reserving task coordinator",
	Long: `Dispatch runs work items that declare the resources they read, create,
update or delete. Conflicting work is postponed or rejected so that two
mutations of the same resource never run at the same time.

Run 'dispatch server' to start the coordinator, then submit work with
'dispatch submit' or 'dispatch apply'.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Dispatch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	api.Version = Version

	rootCmd.PersistentFlags().String("config", "", "config file (default dispatch.yaml in . or $HOME)")
	rootCmd.PersistentFlags().String("addr", "", "API address, or a socket path for read-only access (default api_addr)")
	_ = viper.BindPFlag("client_addr", rootCmd.PersistentFlags().Lookup("addr"))
}

func initConfig(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	return config.Init(viper.GetViper(), cfgFile)
}

// connect dials the address from --addr, falling back to the configured
// api_addr
func connect() (*client.Client, error) {
	addr := viper.GetString("client_addr")
	if addr == "" {
		config.SetDefaults(viper.GetViper())
		addr = viper.GetString("api_addr")
	}
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return c, nil
}
