package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "forgepilotctl",
	Short: "Operator CLI for the autonomous development orchestrator",
	Long: `forgepilotctl is the incident-response companion to forgepilotd: it
inspects the durable queue and autonomous cycle state directly against
the shared store, and resets work left stuck by a crashed daemon.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

func Execute() error { return rootCmd.Execute() }
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}
func GetVersion() string { return appVersion }

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .forgepilot/config.yaml)")
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".forgepilot")
		viper.AddConfigPath("$HOME/.config/forgepilot")
	}

	viper.SetEnvPrefix("FORGEPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}
