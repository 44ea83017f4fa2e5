// Package main is a terminal client for the chat backend. Every subcommand
// logs in with the configured credentials, does its work over the REST API
// and the socket, and logs out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"chat-sync/internal/config"
	"chat-sync/internal/session"
	"chat-sync/internal/utils"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "chatsync"
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

// globals are the persistent flags shared by every subcommand.
type globals struct {
	username string
	password string
	logLevel string
}

func rootCmd() *cobra.Command {
	_ = utils.LoadEnv()
	g := &globals{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Terminal chat client",
		Long: `chatsync talks to the chat backend configured by CHAT_API_URL and
CHAT_WS_URL (or a .env file).

Credentials come from --user/--password or CHAT_USERNAME/CHAT_PASSWORD.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.username, "user", "u", utils.GetEnv("CHAT_USERNAME", ""), "Username to log in as")
	flags.StringVar(&g.password, "password", utils.GetEnv("CHAT_PASSWORD", ""), "Password")
	flags.StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		registerCmd(g),
		roomsCmd(g),
		unreadCmd(g),
		sendCmd(g),
		tailCmd(g),
	)

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

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (g *globals) newSession() (*session.Session, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: utils.ParseLevel(g.logLevel)}))
	slog.SetDefault(logger)
	return session.New(session.Config{Client: cfg, Logger: logger}), nil
}

// login returns a logged-in session. Callers must Logout.
func (g *globals) login(ctx context.Context) (*session.Session, error) {
	if g.username == "" || g.password == "" {
		return nil, errors.New("--user and --password are required")
	}
	s, err := g.newSession()
	if err != nil {
		return nil, err
	}
	if _, err := s.Login(ctx, g.username, g.password); err != nil {
		return nil, err
	}
	return s, nil
}

func registerCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account with the given credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.username == "" || g.password == "" {
				return errors.New("--user and --password are required")
			}
			ctx, stop := signalContext()
			defer stop()

			s, err := g.newSession()
			if err != nil {
				return err
			}
			user, err := s.Register(ctx, g.username, g.password)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (%s)\n", user.Username, user.ID)
			return nil
		},
	}
}
