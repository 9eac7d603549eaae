package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/solidb-io/solidb/internal/background"
	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/engine"
	"github.com/solidb-io/solidb/internal/enginelog"
	"github.com/solidb-io/solidb/internal/wire"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the wire protocol server",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	enginelog.SetLevel(logLevelFromString(viper.GetString("log_level")))

	dataDir := viper.GetString("data_dir")
	port := viper.GetInt("port")
	adminPassword := viper.GetString("admin_password")

	e, err := engine.Open(engine.Config{
		DataDir:       dataDir,
		AdminPassword: adminPassword,
		Background:    background.Config{},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "soliddb: %v\n", err)
		if engerr.Is(err, engerr.KindCorruptLog) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	defer e.Close()

	server := wire.NewServer(fmt.Sprintf(":%d", port), e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Serve(ctx) }()

	select {
	case err := <-serverErr:
		fmt.Fprintf(os.Stderr, "soliddb: server failed: %v\n", err)
		os.Exit(1)
	case <-server.WaitReady():
		enginelog.Infof("listening on port %d, data dir %s", port, dataDir)
	case <-time.After(5 * time.Second):
		enginelog.Warnf("server did not signal ready after 5s")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		enginelog.Infof("received signal %v, shutting down", sig)
		cancel()
		_ = server.Stop()
		os.Exit(130)
	case err := <-serverErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "soliddb: server failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func logLevelFromString(s string) enginelog.Level {
	switch s {
	case "error":
		return enginelog.LevelError
	case "warn", "warning":
		return enginelog.LevelWarn
	case "debug":
		return enginelog.LevelDebug
	default:
		return enginelog.LevelInfo
	}
}
