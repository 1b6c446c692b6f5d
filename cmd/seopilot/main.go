package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"seopilot/internal/app"
	"seopilot/internal/config"
	"seopilot/internal/db"
	"seopilot/internal/engine"
	"seopilot/internal/migrate"
	"seopilot/internal/repo"
	"seopilot/internal/runner"
	"seopilot/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "seopilot",
	Short: "seopilot CLI",
	Long: `seopilot audits web pages for performance and SEO problems, tracks the
issues it finds and proposes fixes for them.
- Project: a site owned by a tenant; its domain is audited when no page is given.
- Page: a URL in the project inventory.
- Audit: one run of a pagespeed, lighthouse or seo runner; pending -> queued -> running -> completed|failed.
- Issue: a finding of an audit; open -> in_progress -> resolved|ignored.
- Fix: a manual or AI generated remediation attached to an issue.
- Quota: every audit consumes one automation run of the tenant's monthly plan.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if viper.GetBool("debug") {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return err
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SEOPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant-id", "local", "tenant identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the tenant's only project)")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/seopilot.yml)")
	rootCmd.PersistentFlags().Bool("debug", false, "development logging")
	for _, name := range []string{"workspace", "json", "actor-id", "tenant-id", "project", "config", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(pageCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(fixCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default seopilot.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "plans": cfg.PlanNames()})
			}
			fmt.Println("config ok; plans:", strings.Join(cfg.PlanNames(), ", "))
			return nil
		},
	}
	cfgCmd.AddCommand(initCmd, validateCmd)
	return cfgCmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sc := e.Config.Server
				if !cmd.Flags().Changed("addr") && sc.Addr != "" {
					addr = sc.Addr
				}
				if !cmd.Flags().Changed("base-path") && sc.BasePath != "" {
					basePath = sc.BasePath
				}
				secretEnv := sc.JWTSecretEnv
				if secretEnv == "" {
					secretEnv = "SEOPILOT_JWT_SECRET"
				}
				authCfg := server.AuthConfig{
					JWTSecret:          os.Getenv(secretEnv),
					AllowLegacyHeaders: sc.AllowLegacyHeaders,
					Logger:             logger.Named("auth"),
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyHeaders {
					logger.Warn("jwt secret not set; only api keys will authenticate", zap.String("env", secretEnv))
				}
				handler, err := server.New(server.Config{
					Engine:        e,
					BasePath:      basePath,
					Auth:          authCfg,
					Log:           logger.Named("http"),
					StreamOrigins: sc.StreamOrigins,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e, logger.Named("webhooks"))
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving seopilot api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("openapi", basePath+"/openapi.json"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg).WithLogger(logger)
	e.Runners = runner.FromConfig(cfg.Runner, nil, logger.Named("runner"))
	return fn(ctx, e)
}

// withProject runs fn with the project selected by --project, or the tenant's
// only project.
func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"), viper.GetString("tenant-id"))
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
}

func actorID() string  { return viper.GetString("actor-id") }
func tenantID() string { return viper.GetString("tenant-id") }

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened to the project: audits created and run, issues ingested, status changes and fixes.",
	}
	log.AddCommand(logTailCmd())
	return log
}
