package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

const rootLong = `launchctl is the command-line interface for podlauncher.

podlauncher runs exactly one remote execution per connection on a Kubernetes or
Docker cluster. A launch reaps every other live execution of the same connection
before it creates (or re-attaches to) the unit of the requested job attempt.

Common workflows:

  Launch an attempt and wait for its output:
    launchctl launch --connection conn-1 --job 42 --attempt 0 \
      --application replication-orchestrator --input input.json --wait

  Check an attempt:
    launchctl status 42 0

  Cancel the active launch of a connection:
    launchctl cancel conn-1

  Kill every live execution of a connection:
    launchctl reap conn-1

Configuration:
  Set the API endpoint and secret via environment variables or a config file:
    PODLAUNCHER_URL      API endpoint (default: http://localhost:6161)
    PODLAUNCHER_TOKEN    Internal API secret`

// newRootCmd builds the command tree. A fresh tree per execution keeps flag
// state from leaking between invocations.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "launchctl",
		Short: "launchctl is a command line tool for the podlauncher service",
		Long:  rootLong,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.launchctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "podlauncher API URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Internal API secret")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.AddCommand(newLaunchCmd(), newStatusCmd(), newCancelCmd(), newReapCmd())
	return rootCmd
}

func Execute() error {
	return newRootCmd().Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".launchctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".launchctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "PODLAUNCHER_VARNAME"
	viper.SetEnvPrefix("PODLAUNCHER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// newClient returns a client for the configured API, or nil after telling
// the user what is missing.
func newClient(cmd *cobra.Command) *LauncherClient {
	token := viper.GetString("token")
	if token == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the PODLAUNCHER_TOKEN environment variable")
		return nil
	}
	return NewLauncherClient(viper.GetString("url"), token)
}

func printAPIError(cmd *cobra.Command, action string, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		if apiErr.Details != "" {
			cmd.Printf("  %s\n", apiErr.Details)
		}
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}

func init() {
	cobra.OnInitialize(initConfig)
}
