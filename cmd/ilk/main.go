// Command ilk is the Interlock CLI: a local-first conflict radar for
// cross-department task timelines, plus the HTTP API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"interlock/internal/app"
	"interlock/internal/config"
	"interlock/internal/db"
	"interlock/internal/domain"
	"interlock/internal/engine"
	"interlock/internal/migrate"
	"interlock/internal/repo"
	"interlock/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ilk",
	Short: "Interlock CLI",
	Long: `Interlock predicts timeline conflicts across department task windows and
proposes reschedules before the collision happens.

- Workspace: the .interlock directory holding the SQLite database.
- Owner: the account scope; every task, conflict and change row belongs to one.
- Tasks: date-granular windows with department, priority, status and progress.
- Predict: scans planned/active tasks for overlaps, dependency violations and
  department overload, records conflicts with severity and a suggestion.
- Reschedule: accepts a suggestion; the move is re-checked first and applied
  atomically together with closing the conflict.
- Feed: an append-only change log, tail it with 'ilk feed tail'.`,
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
	viper.SetEnvPrefix("INTERLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner", "", "owner id (defaults to the workspace's single owner)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))
}

func registerCommands() {
	rootCmd.AddCommand(ownerCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(rescheduleCmd())
	rootCmd.AddCommand(dismissCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func ownerCmd() *cobra.Command {
	owner := &cobra.Command{Use: "owner", Short: "Manage owners"}
	owner.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List owners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine, _ string) error {
				owners, err := e.Repo.ListOwners(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(owners)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, o := range owners {
					tw.AppendRow(table.Row{o.ID, o.Name, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return owner
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var title, dept, priority, start, end, status string
	var progress int
	var deps []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					OwnerID:    ownerID,
					Title:      title,
					Department: domain.Department(dept),
					Priority:   domain.Priority(priority),
					StartDate:  start,
					EndDate:    end,
					Status:     domain.TaskStatus(status),
					Progress:   progress,
					DependsOn:  deps,
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&dept, "department", "", "department (engineering, finance, marketing, operations, sales, hr)")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&status, "status", "planned", "status")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percent")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "prerequisite task ids")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("department")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, dept string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					OwnerID:    ownerID,
					Status:     domain.TaskStatus(status),
					Department: domain.Department(dept),
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Dept", "Prio", "Window", "Status", "Prob", "Delay(h)"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID, t.Title, t.Department, t.Priority,
						t.StartDate + ".." + t.EndDate, t.Status,
						fmt.Sprintf("%.2f", t.ConflictProbability),
						fmt.Sprintf("%.0f", t.PredictedDelayHours),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&dept, "department", "", "department filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				t, err := e.GetTask(ctx, ownerID, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, dept, priority, start, end, status string
	var progress int
	var addDeps, removeDeps []string
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				opts := engine.TaskUpdateOptions{OwnerID: ownerID, TaskID: args[0], AddDeps: addDeps, RemoveDeps: removeDeps}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("department") {
					d := domain.Department(dept)
					opts.Department = &d
				}
				if cmd.Flags().Changed("priority") {
					p := domain.Priority(priority)
					opts.Priority = &p
				}
				if cmd.Flags().Changed("start") {
					opts.StartDate = &start
				}
				if cmd.Flags().Changed("end") {
					opts.EndDate = &end
				}
				if cmd.Flags().Changed("status") {
					s := domain.TaskStatus(status)
					opts.Status = &s
				}
				if cmd.Flags().Changed("progress") {
					opts.Progress = &progress
				}
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&dept, "department", "", "department")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&start, "start", "", "start date")
	cmd.Flags().StringVar(&end, "end", "", "end date")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percent")
	cmd.Flags().StringSliceVar(&addDeps, "add-depends-on", nil, "prerequisites to add")
	cmd.Flags().StringSliceVar(&removeDeps, "remove-depends-on", nil, "prerequisites to remove")
	return cmd
}

func predictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "predict",
		Short: "Run conflict prediction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				res, err := e.Predict(ctx, ownerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("scanned %d tasks, %d new conflict(s), %d suppressed\n",
					res.Scanned, len(res.Conflicts), res.Suppressed)
				printConflictTable(res.Conflicts)
				return nil
			})
		},
	}
}

func conflictCmd() *cobra.Command {
	conflict := &cobra.Command{Use: "conflict", Short: "Inspect conflicts"}
	var status, severity string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				items, err := e.Repo.ListConflicts(ctx, repo.ConflictFilters{
					OwnerID:  ownerID,
					Status:   domain.ResolutionStatus(status),
					Severity: domain.Severity(severity),
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printConflictTable(items)
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "resolution status filter")
	list.Flags().StringVar(&severity, "severity", "", "severity filter")
	list.Flags().IntVar(&limit, "limit", 0, "max rows")
	conflict.AddCommand(list)
	conflict.AddCommand(&cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				c, err := e.Repo.GetConflict(ctx, ownerID, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	})
	return conflict
}

func rescheduleCmd() *cobra.Command {
	var all bool
	var start, end string
	cmd := &cobra.Command{
		Use:   "reschedule [conflict-id]",
		Short: "Accept a reschedule suggestion (or all with --all)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				if all {
					outcomes, err := e.ApplyAll(ctx, ownerID)
					if err != nil {
						return err
					}
					return printJSON(outcomes)
				}
				if len(args) != 1 {
					return fmt.Errorf("conflict id required unless --all")
				}
				var override *engine.Resolution
				if start != "" {
					override = &engine.Resolution{NewStartDate: start, NewEndDate: end}
				}
				res, err := e.Apply(ctx, ownerID, args[0], override)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "apply every open suggestion")
	cmd.Flags().StringVar(&start, "start", "", "override start date instead of the suggestion")
	cmd.Flags().StringVar(&end, "end", "", "override end date (defaults to keeping the duration)")
	return cmd
}

func dismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <conflict-id>",
		Short: "Dismiss a conflict without moving anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				c, err := e.Dismiss(ctx, ownerID, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func feedCmd() *cobra.Command {
	feed := &cobra.Command{Use: "feed", Short: "Change feed"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest change rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				head, err := e.Repo.LatestChangeID(ctx, ownerID)
				if err != nil {
					return err
				}
				cursor := head - int64(n)
				if cursor < 0 {
					cursor = 0
				}
				changes, err := e.Repo.ChangesAfter(ctx, ownerID, cursor, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(changes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Kind", "Entity", "V", "Change"})
				for _, c := range changes {
					tw.AppendRow(table.Row{c.ID, c.TS, c.EntityKind, c.EntityID, c.Version, c.ChangeType})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of rows")
	feed.AddCommand(tail)
	return feed
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Timeline health rollup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				s, err := e.Summary(ctx, ownerID)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Owner config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				c, err := e.OwnerConfig(ctx, ownerID)
				if err != nil {
					return err
				}
				raw, err := config.ToYAML(c)
				if err != nil {
					return err
				}
				fmt.Print(raw)
				return nil
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID := viper.GetString("owner")
			if ownerID == "" {
				ownerID = "own_default"
			}
			fmt.Print(config.GenerateDefault(ownerID))
			return nil
		},
	})
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import config from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				c, err := config.FromFile(args[0])
				if err != nil {
					return err
				}
				if err := e.SetOwnerConfig(ctx, ownerID, c); err != nil {
					return err
				}
				fmt.Println("config imported for", ownerID)
				return nil
			})
		},
	}
	cfg.AddCommand(importCmd)
	return cfg
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				key := "ilk_" + uuid.NewString()
				rec := domain.APIKey{
					ID:        "key_" + uuid.NewString(),
					OwnerID:   ownerID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				fmt.Println("id: ", rec.ID)
				fmt.Println("key:", key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	apikey.AddCommand(create)
	apikey.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				keys, err := e.Repo.ListAPIKeys(ctx, ownerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	apikey.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine, ownerID string) error {
				if err := e.Repo.DeleteAPIKey(ctx, ownerID, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return apikey
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, newLogger())
			secret := os.Getenv("INTERLOCK_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("INTERLOCK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: e.Log},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Interlock API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

// withEngine opens the workspace database and hands the callback a ready
// engine. When needOwner is set the working owner is resolved (and seeded)
// first.
func withEngine(ctx context.Context, needOwner bool, fn func(context.Context, engine.Engine, string) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, newLogger())
	ownerID := ""
	if needOwner {
		ownerID, _, err = app.ResolveOwner(ctx, e, viper.GetString("owner"))
		if err != nil {
			return err
		}
	}
	return fn(ctx, e, ownerID)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("INTERLOCK_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printConflictTable(items []domain.Conflict) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Severity", "Task", "Status", "Suggestion"})
	for _, c := range items {
		suggestion := ""
		if c.Suggestion != nil {
			suggestion = fmt.Sprintf("%s..%s (%.2f)", c.Suggestion.NewStartDate, c.Suggestion.NewEndDate, c.Suggestion.Confidence)
		}
		tw.AppendRow(table.Row{c.ID, c.Type, c.Severity, c.TaskID, c.ResolutionStatus, suggestion})
	}
	tw.Render()
}
