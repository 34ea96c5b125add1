// ABOUTME: Interactive config writer for echo-router
// ABOUTME: Prompts for Matrix and gateway settings and writes a YAML config file

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/echo-router/internal/config"
)

// prompter reads answers from a line-oriented reader.
type prompter struct {
	in    *bufio.Reader
	green *color.Color
}

func (p *prompter) ask(question, fallback string) string {
	p.green.Print("    ▶ ")
	if fallback != "" {
		fmt.Printf("%s [%s]: ", question, fallback)
	} else {
		fmt.Printf("%s: ", question)
	}
	answer, _ := p.in.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fallback
	}
	return answer
}

func runInit(stdin io.Reader) error {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	p := &prompter{in: bufio.NewReader(stdin), green: green}
	configPath := config.DefaultPath()

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		if strings.ToLower(p.ask("Overwrite? [y/N]", "")) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	cfg := buildConfig(p)
	data, err := renderConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: echo-router serve")
	fmt.Println()
	return nil
}

func buildConfig(p *prompter) *config.Config {
	cfg := &config.Config{}
	cfg.Matrix.Homeserver = p.ask("Matrix homeserver URL", "https://matrix.org")
	cfg.Matrix.UserID = p.ask("Bot user ID (e.g. @echo:matrix.org)", "")
	cfg.Matrix.AccessToken = p.ask("Access token (or ${ENV_VAR})", "${ECHO_MATRIX_TOKEN}")
	cfg.Matrix.DisplayName = p.ask("Display name used for mentions", "Echo")
	cfg.Matrix.RecoveryKey = p.ask("Recovery key (optional, for E2EE)", "")
	cfg.Gateway.URL = p.ask("Agent gateway URL", "http://localhost:8080")
	cfg.Gateway.AgentID = p.ask("Agent ID (optional)", "")
	cfg.Gateway.JWTSecret = p.ask("Gateway JWT secret (or ${ENV_VAR})", "${ECHO_GATEWAY_SECRET}")
	cfg.Router.CommandPrefix = p.ask("Command prefix", config.DefaultCommandPrefix)
	cfg.Database.Path = p.ask("Database path", filepath.Join(getDataPath(), config.DefaultDatabasePath))
	cfg.Storage.ConversationsDir = p.ask("Conversation storage directory", filepath.Join(getDataPath(), config.DefaultConversationsDir))
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

func renderConfig(cfg *config.Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	header := "# echo-router configuration\n# Generated by echo-router init\n\n"
	return append([]byte(header), data...), nil
}
