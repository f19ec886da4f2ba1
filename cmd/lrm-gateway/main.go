package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lrmgateway/internal/api"
	"lrmgateway/internal/config"
	"lrmgateway/internal/domain"
	"lrmgateway/internal/messenger"
	"lrmgateway/internal/metrics"
	"lrmgateway/internal/rpc"
	"lrmgateway/internal/store"
)

const version = "1.0.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "lrm-gateway",
		Short: "WhatsApp messaging gateway for the medication take-back service",
		Long: `lrm-gateway bridges the take-back web application to WhatsApp through a
single contract with three interchangeable transports: a browser session, the
Business Cloud API, and an external subprocess.`,
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newDoctorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(config.DefaultConfigDir(), "config.json")
}

func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Defaults(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w *os.File) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Save(path, config.Defaults()); err != nil {
				return err
			}
			fmt.Println("Config written to", path)
			fmt.Println("Edit it, then start the gateway with: lrm-gateway serve")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var messageLog *store.Store
			if cfg.Store.Enabled {
				messageLog, err = store.Open(cfg.Store.DBPath, logger)
				if err != nil {
					return fmt.Errorf("open message log: %w", err)
				}
				defer messageLog.Close()
			}

			factory := messenger.NewFactory(cfg.WhatsApp, logger)
			m, err := factory.Get(ctx)
			if err != nil {
				return err
			}
			m.OnMessage(func(msg domain.IncomingMessage) {
				metrics.MessagesReceived.Inc()
				logger.Info("message received", "from", msg.From, "sender", msg.SenderName)
				if messageLog != nil {
					saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := messageLog.SaveInbound(saveCtx, msg); err != nil {
						logger.Error("log inbound message failed", "err", err)
					}
				}
			})

			server := api.New(api.Config{
				API:     cfg.API,
				Metrics: cfg.Metrics.Enabled,
				Source:  factory,
				Store:   messageLog,
				Logger:  logger,
			})
			defer factory.Reset(context.Background())
			return server.Run(ctx)
		},
	}
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose the gateway as an MCP tool server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs must go to stderr only.
			logger := newLogger(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			factory := messenger.NewFactory(cfg.WhatsApp, logger)
			defer factory.Reset(context.Background())
			return rpc.NewServer(factory, version, logger).Run(ctx)
		},
	}
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <number> <message>",
		Short: "Send a single message and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			factory := messenger.NewFactory(cfg.WhatsApp, logger)
			defer factory.Reset(context.Background())

			m, err := factory.Get(ctx)
			if err != nil {
				return err
			}
			if !m.Connected() {
				if err := m.Initialize(ctx); err != nil {
					return fmt.Errorf("initialize %s transport: %w", m.Kind(), err)
				}
			}

			res := m.Send(ctx, args[0], args[1])
			if !res.Success {
				return fmt.Errorf("send failed: %s", res.Error)
			}
			fmt.Println("Sent, id:", res.MessageID)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the active transport state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			factory := messenger.NewFactory(cfg.WhatsApp, logger)
			defer factory.Reset(context.Background())

			m, err := factory.Get(ctx)
			if err != nil {
				return err
			}

			out := map[string]any{
				"transport": m.Kind(),
				"connected": m.Connected(),
			}
			if sp, ok := m.(domain.StatusProvider); ok {
				if payload, err := sp.Status(ctx); err == nil {
					for k, v := range payload {
						out[k] = v
					}
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
