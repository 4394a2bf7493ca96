package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teamplan/internal/bot"
	"teamplan/internal/config"
	"teamplan/internal/db"
	"teamplan/internal/domain"
	"teamplan/internal/engine"
	"teamplan/internal/migrate"
	"teamplan/internal/notify"
	"teamplan/internal/repo"
	"teamplan/internal/server"
	"teamplan/internal/telegram"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "Teamplan CLI",
	Long: `Teamplan runs a team task-management bot over a chat platform.
- Workspace: your .teamplan directory holding the SQLite database.
- Accounts: chat users; new ones start pending until a manager approves.
- Tasks: sequential-coded work items (TA001, TA002, ...) with statuses
  to_do -> in_progress -> pending/blocked -> completed.
- Activity log: audit trail of commands, approvals and uploads.
- Serve: webhook endpoint plus an admin HTTP API.`,
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
	viper.SetEnvPrefix("TEAMPLAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("actor", 0, "acting account id for admin operations")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(fileCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default teamplan.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path, err := config.GenerateDefault(workspace)
			if err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage accounts"}
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountApproveCmd())
	acc.AddCommand(accountRejectCmd())
	return acc
}

func accountListCmd() *cobra.Command {
	var f repo.AccountFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				accounts, err := r.ListAccounts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(accounts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "External", "Name", "Status", "Role", "Last seen"})
				for _, a := range accounts {
					name := a.FullName
					if name == "" {
						name = a.Username
					}
					tw.AppendRow(table.Row{a.ID, a.ExternalID, name, a.Status, a.Role, a.LastSeen})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func accountApproveCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "approve <account id>",
		Short: "Approve a pending account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("account id must be numeric: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				a, err := e.Approve(ctx, actor, id, role)
				if err != nil {
					return err
				}
				notifyDecision(ctx, e, a,
					fmt.Sprintf("Your account was approved. You are now active as %s.", a.Role))
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", domain.RoleTechnician, "role to grant")
	return cmd
}

func accountRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <account id>",
		Short: "Reject a pending account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("account id must be numeric: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				a, err := e.Reject(ctx, actor, id, reason)
				if err != nil {
					return err
				}
				notifyDecision(ctx, e, a, "Your registration was declined.")
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	tsk.AddCommand(taskListCmd())
	tsk.AddCommand(taskShowCmd())
	return tsk
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Status", "Priority", "Description", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.Code, t.Status, t.Priority, t.Description, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().Int64Var(&f.AccountID, "account", 0, "account filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <code>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTaskByCode(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Inspect the activity log"}
	act.AddCommand(activityTailCmd())
	return act
}

func activityTailCmd() *cobra.Command {
	var f repo.ActivityFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if f.Limit <= 0 {
					f.Limit = 20
				}
				entries, err := r.ListActivity(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Account", "Kind", "Description"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.AccountID, e.Kind, e.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.AccountID, "account", 0, "account filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max rows")
	cmd.Flags().Int64Var(&f.Before, "before", 0, "only entries with id below this")
	return cmd
}

func fileCmd() *cobra.Command {
	f := &cobra.Command{Use: "file", Short: "Inspect stored files"}
	f.AddCommand(fileListCmd())
	f.AddCommand(fileTagCmd())
	return f
}

func fileListCmd() *cobra.Command {
	var f repo.FileFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				files, err := r.ListFiles(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(files)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Size", "Account", "Tag", "Created"})
				for _, rec := range files {
					tw.AppendRow(table.Row{rec.ID, rec.OriginalName, rec.SizeBytes, rec.AccountID, rec.Tag, rec.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.AccountID, "account", 0, "account filter")
	cmd.Flags().Int64Var(&f.TaskID, "task", 0, "task filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func fileTagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag <file id> <tag>",
		Short: "Set a file's classification tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("file id must be numeric: %w", err)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetFileTag(ctx, id, args[1]); err != nil {
					return err
				}
				f, err := r.GetFile(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Task counts per status and activity volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				entries, err := r.CountActivity(ctx, viper.GetInt64("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"tasks": tasks, "activity_entries": entries})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Tasks"})
				for _, status := range []string{domain.TaskToDo, domain.TaskInProgress, domain.TaskPending, domain.TaskBlocked, domain.TaskCompleted} {
					if n, ok := tasks[status]; ok {
						tw.AppendRow(table.Row{status, n})
					}
				}
				tw.Render()
				fmt.Printf("Activity entries: %d\n", entries)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage admin API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting account",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetInt64("actor")
			if actorID == 0 {
				return errors.New("--actor is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: strconv.FormatInt(actorID, 10),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The plaintext secret is shown once and never stored.
				return printJSONOrTable(map[string]string{"id": key.ID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actorID := ""
				if id := viper.GetInt64("actor"); id != 0 {
					actorID = strconv.FormatInt(id, 10)
				}
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Account", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var register bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and admin API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if v := os.Getenv("TEAMPLAN_BOT_TOKEN"); v != "" {
				cfg.Bot.Token = v
			}
			if v := os.Getenv("TEAMPLAN_JWT_SECRET"); v != "" {
				cfg.Server.JWTSecret = v
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("TEAMPLAN_JWT_SECRET is required for bearer auth")
			}

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			e := engine.New(conn, cfg)
			client := telegram.NewClient(cfg.Bot.Token, cfg.Bot.APIURL)
			notifier := notify.Notifier{Transport: client}
			ingestor := &bot.Ingestor{
				Engine:  e,
				Files:   client,
				Dir:     cfg.Files.Dir,
				MaxSize: cfg.Files.MaxSizeBytes,
			}
			router := bot.NewRouter(e, notifier, client, ingestor, cfg)

			if register && cfg.Bot.WebhookURL != "" {
				if err := client.SetWebhook(cmd.Context(), cfg.Bot.WebhookURL, cfg.Bot.WebhookSecret); err != nil {
					return fmt.Errorf("register webhook: %w", err)
				}
			}

			handler, err := server.New(server.Config{
				Engine:        e,
				Router:        router,
				Notify:        notifier,
				BasePath:      cfg.Server.BasePath,
				WebhookSecret: cfg.Bot.WebhookSecret,
				Hardened:      cfg.Bot.Hardened,
				Auth:          server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Teamplan API on http://%s%s\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().BoolVar(&register, "register-webhook", false, "register the webhook URL with the chat platform on start")
	return cmd
}

// notifyDecision tells the affected account about an approval or rejection.
// Without a configured bot token there is no transport, so it is a no-op;
// delivery failures never fail the command.
func notifyDecision(ctx context.Context, e engine.Engine, a domain.Account, text string) {
	if e.Config == nil || e.Config.Bot.Token == "" {
		return
	}
	client := telegram.NewClient(e.Config.Bot.Token, e.Config.Bot.APIURL)
	if err := (notify.Notifier{Transport: client}).Send(ctx, a, text); err != nil {
		fmt.Println("warning: could not notify account:", err)
	}
}

// cliActor loads the account named by --actor for admin operations.
func cliActor(ctx context.Context, e engine.Engine) (domain.Account, error) {
	id := viper.GetInt64("actor")
	if id == 0 {
		return domain.Account{}, errors.New("--actor is required")
	}
	return e.Repo.GetAccount(ctx, id)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

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
