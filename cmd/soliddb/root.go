package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "soliddb",
	Short: "SolidDB document/columnar engine",
}

func init() {
	rootCmd.PersistentFlags().Int("port", 7070, "TCP listen port for the wire protocol")
	rootCmd.PersistentFlags().String("data-dir", "./solidb-data", "data directory")
	rootCmd.PersistentFlags().String("log-level", "info", "log verbosity (error, warn, info, debug)")

	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.BindEnv("port", "SOLIDB_PORT")
	viper.BindEnv("data_dir", "SOLIDB_DATA_DIR")
	viper.BindEnv("admin_password", "SOLIDB_ADMIN_PASSWORD")
	viper.BindEnv("log_level", "SOLIDB_LOG_LEVEL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
