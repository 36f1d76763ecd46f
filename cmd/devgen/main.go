package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devgen/internal/audit"
	"devgen/internal/capability"
	"devgen/internal/config"
	"devgen/internal/consumer"
	"devgen/internal/db"
	"devgen/internal/migrate"
	"devgen/internal/pipeline"
	"devgen/internal/repo"
	"devgen/internal/sandbox"
	"devgen/internal/server"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "devgen",
	Short: "Devgen CLI",
	Long: `Devgen turns natural-language software requirements into generated,
smoke-tested project skeletons, and keeps user profiles in sync with the
provisioning event stream.

Workspace state (database, dead letters, run scratch dirs) lives under
.devgen in the workspace directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEVGEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/devgen.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the generation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			orch, conn, err := buildOrchestrator(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			handler, err := server.New(server.Config{
				Orchestrator: orch,
				BasePath:     basePath,
				Identity:     server.IdentityConfig{GatewaySecret: os.Getenv("DEVGEN_GATEWAY_SECRET")},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-cmd.Context().Done():
						return
					case <-ticker.C:
						orch.Tracker.Sweep()
					}
				}
			}()
			go func() {
				<-cmd.Context().Done()
				orch.Shutdown()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Devgen API on http://%s%s (db %s, OpenAPI at /openapi.json)\n", addr, basePath, db.Path(workspace))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func consumeCmd() *cobra.Command {
	var follow bool
	var pollMS int
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Apply provisioning events to profiles",
		Long: `Drains the provisioning queue into profile rows. By default it
processes until every partition is empty and exits; with --follow it keeps
polling until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			conn, err := openMigrated(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			stream := consumer.NewQueueStream(conn, cfg.Consumer.GroupID)
			dead := consumer.NewDeadLetterer(deadLetterDir(workspace, cfg))
			c := consumer.New(stream, conn, dead, cfg.Consumer, slog.Default())
			if follow {
				c.PollInterval = time.Duration(pollMS) * time.Millisecond
			}
			err = c.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep polling after the queue drains")
	cmd.Flags().IntVar(&pollMS, "poll-ms", 500, "poll interval in --follow mode")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect projects"}
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAuditCmd())
	return prj
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				req, err := r.GetRequirement(ctx, p.RequirementID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "requirement": req})
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendRow(table.Row{"id", p.ID})
				t.AppendRow(table.Row{"requirement_id", p.RequirementID})
				t.AppendRow(table.Row{"requirement", req.Text})
				t.AppendRow(table.Row{"status", p.Status})
				t.AppendRow(table.Row{"language", p.Language})
				t.AppendRow(table.Row{"framework", p.Framework})
				t.AppendRow(table.Row{"files", len(p.Files)})
				if p.FailureReason != "" {
					t.AppendRow(table.Row{"failure", p.FailureReason + " at " + p.FailureStage})
				}
				t.AppendRow(table.Row{"updated_at", p.UpdatedAt})
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <project-id>",
		Short: "Show a project's stage transition trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListAuditEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ts", "stage", "outcome"})
				for _, e := range events {
					t.AppendRow(table.Row{e.TS, e.Stage, e.Outcome})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("devgen", version)
		},
	}
}

func buildOrchestrator(workspace string) (*pipeline.Orchestrator, *sql.DB, error) {
	cfg, err := loadConfig(workspace)
	if err != nil {
		return nil, nil, err
	}
	conn, err := openMigrated(workspace)
	if err != nil {
		return nil, nil, err
	}
	caps, err := capability.New(cfg)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	logger := slog.Default()
	exec := sandbox.New(cfg.Sandbox.MaxLogBytes, logger)
	aud := audit.NewWriter(conn, logger)
	workdir := filepath.Join(workspace, ".devgen")
	return pipeline.New(conn, caps, exec, aud, cfg, workdir, logger), conn, nil
}

func loadConfig(workspace string) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

func openMigrated(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openMigrated(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func deadLetterDir(workspace string, cfg *config.Config) string {
	dir := cfg.Consumer.DeadLetterDir
	if dir == "" {
		dir = "dead_letters"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, ".devgen", dir)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
