// Command promptstack serves the prompt-stack API: projects, chats and the
// chat websocket that drives each project's sandbox.
//
// Usage:
//
//	export OPENAI_API_KEY="your-api-key"
//	promptstack serve --addr :8080
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshh12/prompt-stack/pkg/agent"
	"github.com/sshh12/prompt-stack/pkg/config"
	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/filechange"
	"github.com/sshh12/prompt-stack/pkg/model"
	"github.com/sshh12/prompt-stack/pkg/model/gemini"
	"github.com/sshh12/prompt-stack/pkg/model/openai"
	"github.com/sshh12/prompt-stack/pkg/project"
	"github.com/sshh12/prompt-stack/pkg/sandbox"
	"github.com/sshh12/prompt-stack/pkg/sandbox/docker"
	"github.com/sshh12/prompt-stack/pkg/server"
	"github.com/sshh12/prompt-stack/pkg/store/sqlite"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "promptstack",
		Short:         "Chat-driven app builder backed by per-project sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(&cfg))

	if err := root.Execute(); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func setupLogger(cfg config.Config) {
	level, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: level}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

func newProvider(ctx context.Context, cfg config.Config) (model.Provider, error) {
	switch cfg.ModelProvider {
	case config.ProviderGemini:
		return gemini.New(ctx, cfg.GeminiAPIKey)
	default:
		return openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	setupLogger(cfg)

	// Initialize store.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer st.Close()

	packs := sandbox.DefaultPacks()
	if cfg.StackPacksFile != "" {
		if packs, err = sandbox.LoadPacks(cfg.StackPacksFile); err != nil {
			return fmt.Errorf("loading stack packs: %w", err)
		}
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing %s provider: %w", cfg.ModelProvider, err)
	}

	// Initialize sandbox backend.
	backend, err := docker.New()
	if err != nil {
		return fmt.Errorf("initializing docker backend: %w", err)
	}
	defer backend.Close()
	if err := backend.Ping(ctx); err != nil {
		slog.Warn("Docker daemon is not reachable, sandboxes will fail to boot", "error", err)
	}
	sandboxes := sandbox.NewManager(backend, packs, st, cfg.Sandbox)

	provision := func(ctx context.Context, projectID string) (project.Sandbox, error) {
		sess, err := sandboxes.GetOrCreate(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	newAgent := func(p domain.Project) project.Agent {
		return agent.New(provider, agent.Options{
			Model:         cfg.ChatModel,
			FollowUpModel: cfg.MergeModel,
			Project:       p,
			Pack:          packs.Get(p.StackPackID),
		})
	}
	sessions := project.NewRegistry(ctx, project.Deps{
		Store:     st,
		Provision: provision,
		NewAgent:  newAgent,
		Applier:   filechange.NewApplier(provider, cfg.MergeModel, nil, cfg.MergeConcurrency),
	})

	srv := server.New(server.Deps{
		Store:    st,
		Packs:    packs,
		Sessions: sessions,
		Reaper:   sandboxes,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
