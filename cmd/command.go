// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/zapoffload/pkg/env"
	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "zapoffload",
	Short: "ZapOffload - remote storage offload for site files",
	Long: `ZapOffload moves site file records onto remote storage backends
(Amazon S3, S3-compatible stores, Google Drive, OneDrive, Dropbox) and
serves them back through a single delivery endpoint.`,
	PersistentPreRunE: initialize,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	f.String("env", "", "Environment (local, production, testing). Env: ENV")
	f.String("log_level", "", "Log level (trace, debug, info, warn, error); overrides LOG_LEVEL")
	addStackFlags(f)
	viper.BindPFlags(f)
}

// initialize loads zapoffload.{toml,yaml,json} and applies the settings
// every command shares
func initialize(cmd *cobra.Command, args []string) error {
	utils.LoadConfiguration("zapoffload", false)
	if err := env.Load(); err != nil {
		return err
	}

	if s := NewFlagLoader(cmd).String("log_level"); s != "" {
		level, err := zerolog.ParseLevel(s)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
