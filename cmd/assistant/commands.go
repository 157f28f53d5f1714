// commands.go contains the cobra command definitions for cmd/assistant.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/misanthropic-ai/assistant/internal/chatworker"
	"github.com/misanthropic-ai/assistant/internal/config"
	"github.com/misanthropic-ai/assistant/internal/supervisor"
	"github.com/misanthropic-ai/assistant/internal/transcript"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

// defaultConfigPath resolves ~/.assistant/assistant.yaml, mirroring
// config.applySessionDefaults' choice of database location.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "assistant.yaml"
	}
	return filepath.Join(home, ".assistant", "assistant.yaml")
}

// buildChatCmd creates the "chat" command: the primary interactive loop.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		sessionKey string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session against the configured LLM provider.

Each line you enter is sent as one user prompt; the assistant streams its
response and any tool calls it issues back to the terminal before
prompting for the next line. Ctrl-D or "exit" ends the session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, workspace, sessionKey)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory scoping file and exec tools")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "cli-default", "Session key to resume or create")

	return cmd
}

func runChat(ctx context.Context, configPath, workspace, sessionKey string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	assistant, err := supervisor.Build(ctx, cfg, workspace, sessionKey, slog.Default())
	if err != nil {
		return fmt.Errorf("build assistant: %w", err)
	}
	defer assistant.Shutdown(context.Background())

	display := newCLIDisplay()
	assistant.Chat.Ref.Send(chatworker.Msg{RegisterDisplay: &chatworker.RegisterDisplay{
		Context: chatworker.DisplayCLI,
		Display: display,
	}})

	fmt.Println("assistant ready. Type a message and press enter (Ctrl-D or \"exit\" to quit).")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		assistant.Chat.Ref.Send(chatworker.Msg{UserPrompt: &chatworker.UserPrompt{
			ID:      turn.New(),
			Content: transcript.PromptContent{Text: line},
			Context: chatworker.DisplayCLI,
		}})
		<-display.done
	}
	return scanner.Err()
}

// buildConfigCmd groups configuration utilities under "assistant config".
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config OK: provider=%s model=%s database=%s\n",
				cfg.LLM.Provider, cfg.LLM.Model, cfg.Session.DatabasePath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}
