package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/nexus/internal/assist"
	"github.com/stellarlinkco/nexus/internal/config"
	"github.com/stellarlinkco/nexus/internal/decision"
	"github.com/stellarlinkco/nexus/internal/gateway"
	"github.com/stellarlinkco/nexus/internal/prompt"
	"github.com/stellarlinkco/nexus/internal/provider"
	"github.com/stellarlinkco/nexus/internal/store"
)

const (
	cliUserID    = "cli"
	cliChannelID = "cli"
	statusAudits = 5
)

// CLIOptions carries injectable dependencies for the one-shot commands.
type CLIOptions struct {
	ProviderFactory gateway.ProviderFactory
	Stdin           io.Reader
	Stdout          io.Writer
	Stderr          io.Writer
}

func (o CLIOptions) withDefaults() CLIOptions {
	if o.ProviderFactory == nil {
		o.ProviderFactory = provider.New
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "nexus - AI community moderator",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the moderation gateway (channels + cron + metrics)",
	RunE:  runGateway,
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask the assistant a question, once or in REPL mode",
	RunE:  runAsk,
}

var judgeCmd = &cobra.Command{
	Use:   "judge",
	Short: "Print the moderation decision for a message",
	RunE:  runJudge,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nexus status",
	RunE:  runStatus,
}

var (
	questionFlag string
	messageFlag  string
	userFlag     string
)

func init() {
	askCmd.Flags().StringVarP(&questionFlag, "question", "q", "", "Single question to ask")
	askCmd.Flags().StringVarP(&userFlag, "user", "u", "", "User id whose stored profile is used as context")
	judgeCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Message content to judge")
	rootCmd.AddCommand(gatewayCmd, askCmd, judgeCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func databasePath(cfg *config.Config) string {
	if cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	return config.DefaultDatabasePath()
}

func closeProvider(p provider.Provider) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Channels.Discord.Enabled && !cfg.Channels.Telegram.Enabled {
		return fmt.Errorf("no channel enabled. Set DISCORD_TOKEN or TELEGRAM_TOKEN, or run 'nexus onboard'")
	}

	logger := config.NewLogger(cfg.LogLevel, os.Stderr)
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runAsk(cmd *cobra.Command, args []string) error {
	return runAskWithOptions(CLIOptions{})
}

// runAskWithOptions answers one question, or runs a REPL when no question
// flag is given.
func runAskWithOptions(opts CLIOptions) error {
	opts = opts.withDefaults()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogLevel, opts.Stderr)

	p, err := opts.ProviderFactory(cfg.Provider, logger)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	defer closeProvider(p)

	var profiles assist.ProfileReader
	if userFlag != "" {
		st, err := store.Open(databasePath(cfg))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		profiles = st
	}

	assistant := assist.New(cfg.ServerName, decision.NewEngine(p, cfg.Provider.MaxTokens, logger), profiles, nil, logger)
	ctx := context.Background()
	ask := func(q string) (string, error) {
		return assistant.Ask(ctx, assist.Request{
			UserID:    firstNonEmpty(userFlag, cliUserID),
			Username:  firstNonEmpty(userFlag, cliUserID),
			ChannelID: cliChannelID,
			Question:  q,
		})
	}

	if questionFlag != "" {
		reply, err := ask(questionFlag)
		fmt.Fprintln(opts.Stdout, reply)
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		return nil
	}

	fmt.Fprintf(opts.Stdout, "%s assistant (type 'exit' to quit)\n", cfg.ServerName)
	scanner := bufio.NewScanner(opts.Stdin)
	for {
		fmt.Fprint(opts.Stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := ask(input)
		fmt.Fprintln(opts.Stdout, reply)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
		}
	}
	return nil
}

func runJudge(cmd *cobra.Command, args []string) error {
	return runJudgeWithOptions(CLIOptions{})
}

func runJudgeWithOptions(opts CLIOptions) error {
	opts = opts.withDefaults()
	if strings.TrimSpace(messageFlag) == "" {
		return fmt.Errorf("message is required: nexus judge -m \"...\"")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogLevel, opts.Stderr)

	p, err := opts.ProviderFactory(cfg.Provider, logger)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	defer closeProvider(p)

	engine := decision.NewEngine(p, cfg.Provider.MaxTokens, logger)
	d, err := engine.Judge(context.Background(), prompt.ModerationContext{
		ServerName:     cfg.ServerName,
		Username:       cliUserID,
		UserID:         cliUserID,
		ChannelID:      cliChannelID,
		UserProfile:    assist.NoProfile,
		MessageContent: messageFlag,
		ServerRules:    cfg.Moderation.RulesText,
	})
	if err != nil {
		return fmt.Errorf("judge: %w", err)
	}

	enc := json.NewEncoder(opts.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return err
	}
	if d.Confidence < cfg.Moderation.ConfidenceThreshold {
		fmt.Fprintf(opts.Stdout, "Below threshold %d: would escalate to staff\n", cfg.Moderation.ConfidenceThreshold)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	return runOnboardTo(os.Stdout)
}

func runOnboardTo(out io.Writer) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s or a .env file to set your provider and channel tokens\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set ANTHROPIC_API_KEY and DISCORD_TOKEN / TELEGRAM_TOKEN")
	fmt.Fprintln(out, "  3. Run 'nexus ask -q \"Hello\"' to test the provider")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return runStatusWithOptions(CLIOptions{})
}

// runStatusWithOptions reports problems in its output and never fails.
func runStatusWithOptions(opts CLIOptions) error {
	opts = opts.withDefaults()
	out := opts.Stdout

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Config: invalid (%v)\n", err)
	}
	fmt.Fprintf(out, "Server: %s\n", cfg.ServerName)
	fmt.Fprintf(out, "Provider: %s\n", cfg.Provider.Type)
	fmt.Fprintf(out, "Model: %s\n", cfg.Provider.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(apiKey(cfg.Provider)))
	fmt.Fprintf(out, "Confidence threshold: %d\n", cfg.Moderation.ConfidenceThreshold)
	fmt.Fprintf(out, "Discord: enabled=%v\n", cfg.Channels.Discord.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if p, err := opts.ProviderFactory(cfg.Provider, logger); err != nil {
		fmt.Fprintf(out, "Provider health: error (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Provider health: %s\n", healthLabel(p.Healthcheck()))
		closeProvider(p)
	}

	dsn := databasePath(cfg)
	if cfg.Database.URL == "" {
		if _, err := os.Stat(dsn); err != nil {
			fmt.Fprintln(out, "Database: not found (run 'nexus gateway')")
			return nil
		}
	}
	st, err := store.Open(dsn)
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	records, err := st.RecentAudit(context.Background(), "", statusAudits)
	if err != nil {
		fmt.Fprintf(out, "Audit log: error (%v)\n", err)
		return nil
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "Audit log: empty")
		return nil
	}
	fmt.Fprintf(out, "Recent actions (%d):\n", len(records))
	for _, r := range records {
		fmt.Fprintf(out, "  %s %s user=%s confidence=%d reason=%s\n",
			r.Timestamp.Format("2006-01-02 15:04"), r.Action, r.UserID, r.Confidence, r.Reason)
	}
	return nil
}

func apiKey(p config.ProviderConfig) string {
	switch p.Type {
	case config.ProviderAnthropic:
		return p.AnthropicAPIKey
	case config.ProviderOpenAICompatible:
		return p.OpenAICompatibleAPIKey
	}
	return ""
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func healthLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "unconfigured"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
