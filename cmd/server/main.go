package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// logLevel overrides LOG_LEVEL when set.
var logLevel string

var rootCmd = &cobra.Command{
	Use:   "artifact-chat",
	Short: "Chat assistant with streamed, versioned documents",
}

func main() {
	formatter := new(log.TextFormatter)
	formatter.TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
	formatter.FullTimestamp = true
	log.SetFormatter(formatter)

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (trace,debug,info,warn,error), overrides LOG_LEVEL")

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("could not execute root command")
	}
}

func setLogLevel(fromConfig string) error {
	raw := logLevel
	if raw == "" {
		raw = fromConfig
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.Debug("debug logging enabled")
	return nil
}
