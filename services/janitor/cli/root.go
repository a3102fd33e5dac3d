package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-part-flow/pkg/logging"
	"github.com/ramiqadoumi/go-part-flow/services/janitor/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "janitor",
	Short:        "PartFlow janitor: reclaims stalled jobs and applies retention",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/janitor/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./janitor.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("log-file", "", "also write JSON logs to this file (text goes to stderr)")
	bindFlag("log_level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("log_file", rootCmd.PersistentFlags(), "log-file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newInitCmd("janitor", defaultJanitorYAML))
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("janitor")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.partflow")
		viper.AddConfigPath("/etc/partflow")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func buildLogger(level, service, logFile string) (*slog.Logger, func() error) {
	return logging.New(level, service, logFile)
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
