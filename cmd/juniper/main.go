// Package main is the entry point for the Juniper client CLI. Juniper is
// the orchestration core of a conversational assistant: it manages the
// per-turn request lifecycle against the inference backend and, when
// enabled, bridges to the native voice engine.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/SimbaBuilds/juniper-core/internal/assistant"
	"github.com/SimbaBuilds/juniper-core/internal/bus"
	"github.com/SimbaBuilds/juniper-core/internal/config"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "juniper",
		Short: "Juniper - conversational assistant client",
		Long: `Juniper is the orchestration core of a conversational assistant client.
It submits user turns to the inference backend, tracks their lifecycle via
status polling, reconciles turns that completed in the background, and
bridges to a native voice engine when one is configured.

Start an interactive session:  juniper
Show configuration:            juniper config show`,
		PersistentPreRunE: initLogging,
		RunE:              runInteractive,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.juniper/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Juniper v%s\n", version)
		},
	})

	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	})
	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

// runInteractive starts the assistant and reads user turns from stdin.
func runInteractive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Logging.Level != "" && !verbose {
		if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	a, err := assistant.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}

	a.Events().Subscribe(bus.EventMessageAppended, func(e bus.Event) {
		if e.Role == "assistant" {
			fmt.Printf("\njuniper> %s\n> ", e.Content)
		}
	})
	a.Events().Subscribe(bus.EventStatusChanged, func(e bus.Event) {
		log.Debug().Str("request_id", e.RequestID).Str("status", e.Status).Msg("turn status")
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down")
		cancel()
	}()

	fmt.Println("Juniper ready. Type a message, /cancel, /new, or /quit.")
	fmt.Print("> ")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			switch {
			case text == "":
			case text == "/quit":
				return nil
			case text == "/cancel":
				a.Cancel()
			case text == "/new":
				if err := a.NewChat(ctx); err != nil {
					log.Warn().Err(err).Msg("new chat failed")
				}
			default:
				a.SendText(text)
			}
			fmt.Print("> ")
		}
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Never print the auth token.
			redacted := *cfg
			if redacted.Backend.AuthToken != "" {
				redacted.Backend.AuthToken = "********"
			}
			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config ready (data dir: %s)\n", cfg.Store.DataDir)
			return nil
		},
	})

	return cmd
}
