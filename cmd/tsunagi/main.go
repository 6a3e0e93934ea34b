package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/tsunagi"
	"github.com/ashita-ai/tsunagi/internal/auth"
	"github.com/ashita-ai/tsunagi/internal/config"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "tsunagi",
		Short:         "Multi-agent conversation server",
		Long:          "Tsunagi runs workflows of cooperating LLM agents that hand conversations to one another.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newKeygenCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("TSUNAGI_LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newServeCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			opts := []tsunagi.Option{tsunagi.WithVersion(version), tsunagi.WithLogger(logger)}
			if port != 0 {
				opts = append(opts, tsunagi.WithPort(port))
			}
			app, err := tsunagi.New(opts...)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides TSUNAGI_PORT)")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		workflowPath string
		projectID    string
		verbose      bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a workflow from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wf, err := model.LoadWorkflow(workflowPath)
			if err != nil {
				return err
			}
			if projectID != "" {
				wf.ProjectID = projectID
			}

			// Keep logs off stdout so they don't interleave with the conversation.
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			app, err := tsunagi.New(tsunagi.WithVersion(version), tsunagi.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(context.Background()) }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			r := &repl{app: app, wf: wf, out: cmd.OutOrStdout(), verbose: verbose}
			return r.loop(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "workflow definition file (YAML or JSON)")
	cmd.Flags().StringVar(&projectID, "project", "", "project id (overrides the workflow's project_id)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show internal messages and tool calls")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

// repl keeps the transcript of one terminal conversation.
type repl struct {
	app        *tsunagi.App
	wf         model.Workflow
	out        io.Writer
	verbose    bool
	transcript []model.Message
	usage      model.TokenUsage
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	r.transcript = []model.Message{model.SystemMessage(model.DefaultSystemPrompt)}
	if err := r.turn(ctx); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, color.New(color.Bold).Sprint("you> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/usage":
			fmt.Fprintf(r.out, "tokens: total=%d prompt=%d completion=%d\n", r.usage.Total, r.usage.Prompt, r.usage.Completion)
			continue
		}
		r.transcript = append(r.transcript, model.UserMessage(line))
		if err := r.turn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintln(r.out, color.RedString("turn failed: %v", err))
		}
	}
	return scanner.Err()
}

// turn runs the orchestrator once and appends what it produced.
func (r *repl) turn(ctx context.Context) error {
	for ev, err := range r.app.Chat(ctx, r.wf, r.transcript) {
		if err != nil {
			return err
		}
		if ev.IsTokens() {
			r.usage = r.usage.Add(*ev.Tokens)
			continue
		}
		msg := *ev.Message
		r.transcript = append(r.transcript, msg)
		r.print(msg)
	}
	return nil
}

func (r *repl) print(msg model.Message) {
	switch {
	case msg.Role == model.RoleTool:
		if r.verbose {
			fmt.Fprintf(r.out, "%s %s\n", color.CyanString("  [%s] ->", msg.ToolName), msg.Text())
		}
	case msg.HasToolCalls():
		if !r.verbose {
			return
		}
		for _, c := range msg.ToolCalls {
			fmt.Fprintf(r.out, "%s %s\n", color.CyanString("  [%s] %s", msg.AgentName, c.Function.Name), c.Function.Arguments)
		}
	case msg.ResponseType == model.ResponseInternal:
		if r.verbose {
			fmt.Fprintf(r.out, "%s\n", color.New(color.Faint).Sprintf("  (%s) %s", msg.AgentName, msg.Text()))
		}
	default:
		fmt.Fprintf(r.out, "%s %s\n", color.GreenString("%s>", msg.AgentName), msg.Text())
	}
}

func newTokenCommand() *cobra.Command {
	var projectID, subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token scoped to one project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTPrivateKeyPath == "" || cfg.JWTPublicKeyPath == "" {
				return fmt.Errorf("TSUNAGI_JWT_PRIVATE_KEY and TSUNAGI_JWT_PUBLIC_KEY must be set (see tsunagi keygen)")
			}
			mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
			if err != nil {
				return err
			}
			tok, exp, err := mgr.IssueToken(subject, projectID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintln(cmd.ErrOrStderr(), color.New(color.Faint).Sprintf("expires %s", exp.Format("2006-01-02 15:04:05 MST")))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id the token is valid for")
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for signing tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath, pubPath, err := auth.WriteKeyPair(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s wrote %s\n", color.GreenString("✓"), privPath)
			fmt.Fprintf(out, "%s wrote %s\n", color.GreenString("✓"), pubPath)
			fmt.Fprintf(out, "\nexport TSUNAGI_JWT_PRIVATE_KEY=%s\nexport TSUNAGI_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to write the key files into")
	return cmd
}
