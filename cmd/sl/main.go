package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stageline/internal/app"
	"stageline/internal/approval"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/notify"
	"stageline/internal/ratelimit"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var logger = slog.Default()

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline runs client projects as an ordered list of stages.
- Stage: a step of the project with a checklist; its progress is the share of items done.
- Gate: a stage that needs the client's sign-off. Later stages stay blocked until it is approved.
- Approval: a one-time link sent to the client, who approves, rejects or asks for changes.
- Event log: every change is recorded, view it with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		return nil
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
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides workspace default)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

// --- config ---

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage stageline.yml"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stageline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stageline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

// --- projects ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectSetupCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectSetupCmd() *cobra.Command {
	var id, name, template string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create a project from a stage template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.SetupProject(ctx, id, name, template, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wf)
				}
				renderWorkflow(os.Stdout, wf, false)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&template, "template", "website", "stage template from stageline.yml")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderProjects(os.Stdout, items)
				return nil
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := app.SetEnvValue(filepath.Join(workspace, ".env"), app.DefaultProjectEnv, projectID); err != nil {
				return err
			}
			fmt.Printf("Set %s=%s in %s/.env\n", app.DefaultProjectEnv, projectID, workspace)
			return nil
		},
	}
}

// --- workflow ---

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect a project's stages"}
	var verbose bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show stages with progress, gating and approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := resolveProject(ctx, e.Repo)
				if err != nil {
					return err
				}
				w, err := e.GetProjectWorkflow(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				renderWorkflow(os.Stdout, w, verbose)
				return nil
			})
		},
	}
	show.Flags().BoolVarP(&verbose, "verbose", "v", false, "list checklist items")
	wf.AddCommand(show)
	return wf
}

func itemCmd() *cobra.Command {
	it := &cobra.Command{Use: "item", Short: "Work with checklist items"}
	it.AddCommand(&cobra.Command{
		Use:   "toggle <item-id>",
		Short: "Flip a checklist item between done and not done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ToggleChecklistItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				state := "not done"
				if res.Item.IsCompleted {
					state = "done"
				}
				fmt.Printf("%s: %s (%s now %d%%)\n", res.Item.Description, state, res.Stage.Name, res.Stage.Progress.Percent)
				if res.StageCompleted {
					fmt.Printf("Stage %s is complete.\n", res.Stage.Name)
				}
				return nil
			})
		},
	})
	return it
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{Use: "stage", Short: "Configure stages"}
	var off bool
	req := &cobra.Command{
		Use:   "require-approval <stage-id>",
		Short: "Require (or with --off, stop requiring) client approval for a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.SetRequiresApproval(ctx, args[0], !off, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wf)
				}
				renderWorkflow(os.Stdout, wf, false)
				return nil
			})
		},
	}
	req.Flags().BoolVar(&off, "off", false, "remove the approval requirement")
	st.AddCommand(req)
	return st
}

// --- approvals ---

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Request and record client approvals"}
	ap.AddCommand(approvalRequestCmd())
	ap.AddCommand(approvalShowCmd())
	ap.AddCommand(approvalResolveCmd())
	return ap
}

func approvalRequestCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "request <stage-id>",
		Short: "Create an approval link for a gated stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RequestApproval(ctx, args[0], viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Approval %s requested.\nSend this link to the client (it is shown only once):\n  %s\n", res.Approval.ID, res.URL)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "message shown to the client")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Show what the client sees behind an approval token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, view, err := e.LookupApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"approval": a, "stage": view})
			})
		},
	}
}

func approvalResolveCmd() *cobra.Command {
	var decision, name, comment string
	cmd := &cobra.Command{
		Use:   "resolve <token>",
		Short: "Record a client decision on their behalf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ResolveApproval(ctx, args[0], decision, name, comment)
				if errors.Is(err, domain.ErrAlreadyResolved) {
					return fmt.Errorf("this decision was already recorded (%s by %s)", res.Approval.Status, deref(res.Approval.ApprovedByName))
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Approval %s is now %s.\n", res.Approval.ID, res.Approval.Status)
				if len(res.Unblocked) > 0 {
					fmt.Printf("Unblocked stages: %s\n", strings.Join(res.Unblocked, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve, reject or request_changes")
	cmd.Flags().StringVar(&name, "name", "", "approver name")
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	_ = cmd.MarkFlagRequired("decision")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// --- events ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the event log"}
	var n int
	var after int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "List events of the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := resolveProject(ctx, e.Repo)
				if err != nil {
					return err
				}
				if after == 0 && n > 0 {
					latest, err := e.Repo.LatestEventID(ctx, projectID)
					if err != nil {
						return err
					}
					if latest > int64(n) {
						after = latest - int64(n)
					}
				}
				events, err := e.ListEvents(ctx, projectID, after, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				renderEvents(os.Stdout, events)
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().Int64Var(&after, "after", 0, "only events after this id")
	lg.AddCommand(tail)
	return lg
}

// --- server ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the public approval pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("addr") && e.Config.Server.Addr != "" {
					addr = e.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && e.Config.Server.BasePath != "" {
					basePath = e.Config.Server.BasePath
				}
				limiter, err := ratelimit.FromConfig(e.Config.Approvals.RateLimit)
				if err != nil {
					return err
				}
				if rl, ok := limiter.(*ratelimit.Redis); ok {
					defer rl.Close()
				}
				handler, err := server.New(server.Config{
					Engine:            e,
					BasePath:          basePath,
					Auth:              authCfg,
					Limiter:           limiter,
					TrustProxyHeaders: e.Config.Server.TrustProxyHeaders,
					Logger:            logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving stageline",
					"addr", addr,
					"base_path", basePath,
					"public_base_url", e.Config.Server.PublicBaseURL,
					"database", e.Config.Database.Driver,
				)
				fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- credentials ---

func tokenCmd() *cobra.Command {
	tk := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a JWT for --actor-id signed with STAGELINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(os.Getenv("STAGELINE_JWT_SECRET"), viper.GetString("actor-id"), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	tk.AddCommand(mint)
	return tk
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret, err := approval.NewToken()
				if err != nil {
					return err
				}
				raw := "sl_" + strings.ReplaceAll(secret, "-", "")
				key := domain.APIKey{
					ID:        ulid.Make().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Printf("API key %s for %s (shown only once):\n  %s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	ak.AddCommand(create)

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actorID := viper.GetString("actor-id")
				if all {
					actorID = ""
				}
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				renderAPIKeys(os.Stdout, keys)
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "list keys of every actor")
	ak.AddCommand(list)

	ak.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted API key %s\n", args[0])
				return nil
			})
		},
	})
	return ak
}

// --- helpers ---

func openWorkspace() (*config.Config, *repoConn, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, nil, err
	}
	dialect := db.Dialect(cfg.Database.Driver)
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return cfg, &repoConn{Repo: repo.New(conn, dialect), dialect: dialect}, nil
}

type repoConn struct {
	repo.Repo
	dialect string
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, rc, err := openWorkspace()
	if err != nil {
		return err
	}
	defer rc.DB.Close()
	e := engine.New(rc.DB, rc.dialect, cfg, notify.FromConfig(cfg, logger), logger)
	err = fn(ctx, e)
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Approvals.NotifyTimeoutSeconds+1)*time.Second)
	defer cancel()
	e.WaitNotifications(waitCtx)
	return err
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	_, rc, err := openWorkspace()
	if err != nil {
		return err
	}
	defer rc.DB.Close()
	return fn(ctx, rc.Repo)
}

func resolveProject(ctx context.Context, r repo.Repo) (string, error) {
	workspaceDefault := viper.GetString("default-project")
	if workspaceDefault == "" {
		v, err := app.ReadEnvValue(filepath.Join(viper.GetString("workspace"), ".env"), app.DefaultProjectEnv)
		if err != nil {
			return "", err
		}
		workspaceDefault = v
	}
	return app.ResolveProject(ctx, viper.GetString("project"), workspaceDefault, r)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
