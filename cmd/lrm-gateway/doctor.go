package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"lrmgateway/internal/config"
	"lrmgateway/internal/rpc"
)

// requiredTools is the tool surface a messenger subprocess must advertise.
var requiredTools = []string{"send_message", "get_status", "initialize", "get_qr_code"}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the gateway installation",
		Long: `Verifies that the gateway's configuration, message log, API port and the
selected transport are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("LRM Gateway Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s (running on defaults)", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := loadConfig()
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
				return fmt.Errorf("1 check(s) failed")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Message log writable
			if cfg.Store.Enabled {
				if err := checkDatabase(cfg.Store.DBPath); err != nil {
					printFail("Message log", err.Error())
					failed++
				} else {
					printPass("Message log", cfg.Store.DBPath)
					passed++
				}
			} else {
				printWarn("Message log", "disabled")
				warned++
			}

			// 4. Transport configuration
			switch {
			case cfg.WhatsApp.UseRPC:
				p, f := checkRPCTransport(cfg)
				passed += p
				failed += f
			case cfg.WhatsApp.UseCloudAPI:
				if cfg.WhatsApp.Cloud.AccessToken == "" || cfg.WhatsApp.Cloud.PhoneNumberID == "" {
					printFail("Cloud transport", "accessToken and phoneNumberId are required")
					failed++
				} else {
					printPass("Cloud transport", "credentials configured")
					passed++
					if cfg.WhatsApp.Cloud.AppSecret == "" {
						printWarn("Cloud transport", "no appSecret: webhook signatures are not verified")
						warned++
					}
				}
			default:
				if err := os.MkdirAll(cfg.WhatsApp.Web.ProfileDir, 0o755); err != nil {
					printFail("Web transport", fmt.Sprintf("cannot create profile dir: %v", err))
					failed++
				} else {
					printPass("Web transport", "profile dir "+cfg.WhatsApp.Web.ProfileDir)
					passed++
				}
			}

			// 5. API port available
			if err := checkPort(cfg.API.Port); err != nil {
				printWarn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.API.Port, err))
				warned++
			} else {
				printPass("API port", fmt.Sprintf(":%d available", cfg.API.Port))
				passed++
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before starting the gateway.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe gateway should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! The gateway is ready to run.\n")
			}
			return nil
		},
	}
}

// checkRPCTransport connects to the configured messenger subprocess and
// verifies it advertises the full tool surface.
func checkRPCTransport(cfg *config.Config) (passed, failed int) {
	command := cfg.WhatsApp.RPC.Command
	if command == "" {
		command = os.Getenv(config.EnvRPCCommand)
	}
	if command == "" {
		printFail("RPC transport", "no subprocess command configured")
		return 0, 1
	}
	printPass("RPC transport", "command "+command)
	passed++

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger := newLogger(cfg, os.Stderr)
	client := rpc.NewClient(command, cfg.WhatsApp.RPC.Args, logger)
	if err := client.Connect(ctx); err != nil {
		printFail("RPC subprocess", err.Error())
		return passed, 1
	}
	defer client.Close()

	tools, err := client.ListTools(ctx)
	if err != nil {
		printFail("RPC tools", err.Error())
		return passed, 1
	}
	advertised := make(map[string]bool, len(tools))
	for _, t := range tools {
		advertised[t.Name] = true
	}
	for _, name := range requiredTools {
		if !advertised[name] {
			printFail("RPC tools", "subprocess does not advertise "+name)
			return passed, 1
		}
	}
	printPass("RPC tools", fmt.Sprintf("%d advertised, all required present", len(tools)))
	return passed + 1, 0
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
