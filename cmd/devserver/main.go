// Package main runs the development chat server: the REST API, the socket
// endpoint and the metrics handler over a memory or postgres store.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"chat-sync/internal/app"
	"chat-sync/internal/config"
	"chat-sync/internal/utils"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "devserver"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		port     string
		backend  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Development chat server",
		Long: `devserver serves the chat REST API under /api, the authenticated
socket at /ws and Prometheus metrics at /metrics.

Configuration comes from the environment (or a .env file); flags override it.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadServer()
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("store") {
				cfg.Store = backend
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			logger := utils.SetupLogger(cfg.Env, cfg.LogLevel)
			return app.Run(context.Background(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "3001", "Port to listen on")
	cmd.Flags().StringVar(&backend, "store", "memory", "Store backend (memory, postgres)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}
