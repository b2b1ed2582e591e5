package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ticketline/internal/app"
	"ticketline/internal/config"
	"ticketline/internal/db"
	"ticketline/internal/engine"
	"ticketline/internal/migrate"
	"ticketline/internal/repo"
	"ticketline/internal/review"
	"ticketline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Ticketline CLI",
	Long: `Ticketline tracks epics and tickets and gates "done" behind verified demo scripts.
Core concepts:
- Why it matters: a demo script turns "trust me, it works" into numbered steps a reviewer checks one by one, so done means demonstrated, not declared.
- Workspace: your .ticketline directory with the database; config is stored in the DB and imported explicitly.
- Project: the container that owns epics, tickets, demo scripts, and findings.
- Epics: groups of tickets that go open -> active -> done once every ticket in them is closed.
- Tickets: work items flowing backlog -> todo -> in_progress -> in_review -> done (changes_requested loops back, canceled exits).
- Demo scripts: per-ticket verification steps, generated from the type's template or given explicitly; reviewers mark each step passed, failed, or skipped.
- Verdicts: approve seals the script and moves the ticket to done (every step verified first); reject sends it back with findings recorded for failed steps.
- Findings: review notes with a severity, added by hand or auto-created from failed demo steps.
- Reviewers: the roster allowed to submit verdicts; an empty roster lets anyone with review permission decide.
- Event log: diary of changes, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TICKETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(demoCmd())
	rootCmd.AddCommand(findingCmd())
	rootCmd.AddCommand(reviewerCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var desc string
	cmd := &cobra.Command{
		Use:   "init <project-id>",
		Short: "Initialize a workspace with a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s; edit it and import with 'tl project config import --file %s'\n", cfgPath, cfgPath)
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&desc, "description", "", "project description")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
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
			e := engine.New(conn, config.Default(id))
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var status string
	var description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				p, err := e.UpdateProject(ctx, e.Config.Project.ID, status, descPtr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (active, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteProject(ctx, e.Config.Project.ID)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TICKETLINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set TICKETLINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
		Long:  "Config is the rulebook (stored in DB): demo templates per ticket type, review policy, reviewer roster, and RBAC roles. Import from ticketline.yml to change it.",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigExportCmd())
	cfg.AddCommand(projectConfigValidateCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
					cfg.Project.ID = projectID
				}
				if err := e.ApplyConfig(ctx, projectID, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigExportCmd() *cobra.Command {
	var out string
	var asTemplate bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export project config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var data []byte
				if asTemplate {
					data = []byte(config.GenerateDefault(e.Config.Project.ID))
				} else {
					b, err := yaml.Marshal(e.Config)
					if err != nil {
						return err
					}
					data = b
				}
				if out == "" {
					fmt.Print(string(data))
					return nil
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (default stdout)")
	cmd.Flags().BoolVar(&asTemplate, "template", false, "emit the default template instead of the stored config")
	return cmd
}

func projectConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The scoreboard for your project: ticket counts per status and how many epics are still open.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTicketsByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				openEpics, err := e.Repo.CountOpenEpics(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":    p.ID,
						"status":        p.Status,
						"open_epics":    openEpics,
						"ticket_counts": counts,
					})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Printf("Open epics: %d\n", openEpics)
				fmt.Println("Tickets:")
				for _, status := range []string{"backlog", "todo", "in_progress", "in_review", "changes_requested", "done", "canceled"} {
					if c := counts[status]; c > 0 {
						fmt.Printf("  %s: %d\n", status, c)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func epicCmd() *cobra.Command {
	epic := &cobra.Command{
		Use:   "epic",
		Short: "Manage epics",
		Long:  "Epics group related tickets. They go open -> active -> done, and done is only allowed once every ticket in the epic is closed.",
	}
	epic.AddCommand(epicCreateCmd())
	epic.AddCommand(epicListCmd())
	epic.AddCommand(epicShowCmd())
	epic.AddCommand(epicUpdateCmd())
	epic.AddCommand(epicStatusCmd())
	return epic
}

func epicCreateCmd() *cobra.Command {
	var opts engine.EpicCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				ep, err := e.CreateEpic(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "epic id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func epicListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List epics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEpics(ctx, e.Config.Project.ID, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, active, done, canceled)")
	return cmd
}

func epicShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an epic with its tickets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.Repo.GetEpic(ctx, args[0])
				if err != nil {
					return err
				}
				tickets, err := e.Repo.ListTickets(ctx, repo.TicketFilters{ProjectID: ep.ProjectID, EpicID: ep.ID})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"epic": ep, "tickets": tickets})
			})
		},
	}
	return cmd
}

func epicUpdateCmd() *cobra.Command {
	var title, description string
	var opts engine.EpicUpdateOptions
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an epic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			opts.Force = viper.GetBool("force")
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.UpdateEpic(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status")
	return cmd
}

func epicStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move an epic to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.UpdateEpic(ctx, engine.EpicUpdateOptions{
					ID:      args[0],
					Status:  args[1],
					ActorID: viper.GetString("actor-id"),
					Force:   viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	return cmd
}

func ticketCmd() *cobra.Command {
	ticket := &cobra.Command{
		Use:   "ticket",
		Short: "Manage tickets",
		Long:  "Tickets are the work items (features, bugs, chores). They flow backlog -> todo -> in_progress -> in_review -> done; done is gated on subtasks and a passed demo verdict.",
	}
	ticket.AddCommand(ticketCreateCmd())
	ticket.AddCommand(ticketListCmd())
	ticket.AddCommand(ticketShowCmd())
	ticket.AddCommand(ticketUpdateCmd())
	ticket.AddCommand(ticketStatusCmd())
	ticket.AddCommand(ticketCommentCmd())
	ticket.AddCommand(ticketSubtaskCmd())
	ticket.AddCommand(ticketAttachCmd())
	ticket.AddCommand(ticketTagsCmd())
	return ticket
}

func ticketCreateCmd() *cobra.Command {
	var opts engine.TicketCreateOptions
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Tags = tags
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				t, err := e.CreateTicket(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "ticket id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.EpicID, "epic", "", "epic id")
	cmd.Flags().StringVar(&opts.Type, "type", "", "ticket type (feature, bug, chore; default from config)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var f repo.TicketFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tickets, err := e.Repo.ListTickets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Priority", "Assignee", "Epic"})
				for _, t := range tickets {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					epic := ""
					if t.EpicID != nil {
						epic = *t.EpicID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.Status, t.Priority, assignee, epic})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.EpicID, "epic", "", "epic filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results (0 for all)")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket with comments, subtasks and its current demo script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				comments, err := e.Repo.ListComments(ctx, t.ID)
				if err != nil {
					return err
				}
				subtasks, err := e.Repo.ListSubtasks(ctx, t.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"ticket":   t,
					"comments": comments,
					"subtasks": subtasks,
				}
				if script, err := e.CurrentDemoScript(ctx, t.ID); err == nil && script != nil {
					out["demo_script"] = script
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func ticketUpdateCmd() *cobra.Command {
	var title, description, ticketType, priority, assign, epic string
	var tags []string
	var opts engine.TicketUpdateOptions
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a ticket",
		Long:  "Set fields on a ticket. --assign and --epic with an empty value clear the assignment.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			opts.Force = viper.GetBool("force")
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("type") {
				opts.Type = &ticketType
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("assign") {
				opts.Assign = &assign
			}
			if cmd.Flags().Changed("epic") {
				opts.SetEpic = &epic
			}
			if cmd.Flags().Changed("tag") {
				opts.Tags = &tags
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTicket(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&ticketType, "type", "", "ticket type")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&assign, "assign", "", "set assignee id (empty clears)")
	cmd.Flags().StringVar(&epic, "epic", "", "set epic id (empty clears)")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "replace tags (repeatable)")
	return cmd
}

func ticketStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a ticket to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTicket(ctx, engine.TicketUpdateOptions{
					ID:      args[0],
					Status:  args[1],
					ActorID: viper.GetString("actor-id"),
					Force:   viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketCommentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment <id> <body>",
		Short: "Comment on a ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddComment(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func ticketSubtaskCmd() *cobra.Command {
	sub := &cobra.Command{Use: "subtask", Short: "Manage ticket subtasks"}
	sub.AddCommand(ticketSubtaskAddCmd())
	sub.AddCommand(ticketSubtaskToggleCmd())
	sub.AddCommand(ticketSubtaskListCmd())
	return sub
}

func ticketSubtaskAddCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "add <ticket-id>",
		Short: "Add a subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.AddSubtask(ctx, args[0], title, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "subtask title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ticketSubtaskToggleCmd() *cobra.Command {
	var done bool
	cmd := &cobra.Command{
		Use:   "toggle <subtask-id>",
		Short: "Mark a subtask done or not done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.ToggleSubtask(ctx, args[0], done, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().BoolVar(&done, "done", true, "done state (--done=false reopens)")
	return cmd
}

func ticketSubtaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <ticket-id>",
		Short: "List subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSubtasks(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func ticketAttachCmd() *cobra.Command {
	att := &cobra.Command{Use: "attach", Short: "Manage ticket attachments"}
	att.AddCommand(ticketAttachAddCmd())
	att.AddCommand(ticketAttachListCmd())
	att.AddCommand(ticketAttachSaveCmd())
	return att
}

func ticketAttachAddCmd() *cobra.Command {
	var file, contentType string
	cmd := &cobra.Command{
		Use:   "add <ticket-id>",
		Short: "Attach a file to a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddAttachment(ctx, engine.AttachmentAddOptions{
					TicketID:    args[0],
					Filename:    filepath.Base(file),
					ContentType: contentType,
					Data:        data,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the file to attach")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type (optional)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func ticketAttachListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <ticket-id>",
		Short: "List attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAttachments(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func ticketAttachSaveCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "save <attachment-id>",
		Short: "Save attachment content to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				att, data, err := e.ReadAttachment(ctx, args[0])
				if err != nil {
					return err
				}
				dest := out
				if dest == "" {
					dest = att.Filename
				}
				if err := os.WriteFile(dest, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s (%d bytes)\n", dest, len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (defaults to the stored filename)")
	return cmd
}

func ticketTagsCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "List tags in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tags, err := e.Repo.ListTags(ctx, e.Config.Project.ID, prefix)
				if err != nil {
					return err
				}
				return printJSONOrTable(tags)
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "tag prefix filter")
	return cmd
}

func demoCmd() *cobra.Command {
	demo := &cobra.Command{
		Use:   "demo",
		Short: "Demo script verification",
		Long: `Demo scripts are the checked walkthrough a ticket must survive before done.
Create one from the ticket type's template (or explicit steps), mark each step
as you verify it, then approve or reject. Approving needs every step verified;
rejecting records findings for the failed steps and sends the ticket back.`,
	}
	demo.AddCommand(demoCreateCmd())
	demo.AddCommand(demoShowCmd())
	demo.AddCommand(demoMarkCmd())
	demo.AddCommand(demoNoteCmd())
	demo.AddCommand(demoApproveCmd())
	demo.AddCommand(demoRejectCmd())
	demo.AddCommand(demoReviewCmd())
	return demo
}

func demoCreateCmd() *cobra.Command {
	var stepsJSON string
	cmd := &cobra.Command{
		Use:   "create <ticket-id>",
		Short: "Generate a demo script for a ticket",
		Long:  "Without --steps-json the script comes from the config template for the ticket's type. The ticket moves to in_review; an unfinished previous script is superseded.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var steps []engine.DemoStepInput
			if stepsJSON != "" {
				var raw []struct {
					Type            string `json:"type"`
					Description     string `json:"description"`
					ExpectedOutcome string `json:"expected_outcome"`
				}
				if err := json.Unmarshal([]byte(stepsJSON), &raw); err != nil {
					return fmt.Errorf("invalid --steps-json: %w", err)
				}
				for _, s := range raw {
					steps = append(steps, engine.DemoStepInput{
						Type:            s.Type,
						Description:     s.Description,
						ExpectedOutcome: s.ExpectedOutcome,
					})
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.CreateDemoScript(ctx, engine.DemoCreateOptions{
					TicketID: args[0],
					Steps:    steps,
					ActorID:  viper.GetString("actor-id"),
					Force:    viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&stepsJSON, "steps-json", "", `explicit steps JSON, e.g. [{"type":"manual","description":"...","expected_outcome":"..."}]`)
	return cmd
}

func demoShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show the current demo script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sess, err := demoSession(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(sess.Snapshot())
			})
		},
	}
	return cmd
}

func demoMarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark <ticket-id> <step> <status>",
		Short: "Record a step verification result",
		Long:  "Status is one of passed, failed, skipped, pending. Re-marking a step overwrites the earlier result until the verdict is submitted.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("step must be a number: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sess, err := demoSession(ctx, e, args[0])
				if err != nil {
					return err
				}
				if err := sess.MarkStep(ctx, order, args[2]); err != nil {
					return err
				}
				return printSnapshot(sess.Snapshot())
			})
		},
	}
	return cmd
}

func demoNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note <ticket-id> <step> <text>",
		Short: "Attach a note to a step",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("step must be a number: %w", err)
			}
			text := strings.Join(args[2:], " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sess, err := demoSession(ctx, e, args[0])
				if err != nil {
					return err
				}
				if err := sess.EditNote(order, text); err != nil {
					return err
				}
				if err := sess.CommitNote(ctx, order); err != nil {
					return err
				}
				return printSnapshot(sess.Snapshot())
			})
		},
	}
	return cmd
}

func demoApproveCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "approve <ticket-id>",
		Short: "Submit a passing verdict",
		Long:  "Every step must be verified first. On success the script is sealed and the ticket moves to done (subtasks permitting).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sess, err := demoSession(ctx, e, args[0])
				if err != nil {
					return err
				}
				sess.SetFeedback(feedback)
				if err := sess.Approve(ctx); err != nil {
					return err
				}
				return printSnapshot(sess.Snapshot())
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "verdict feedback")
	return cmd
}

func demoRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <ticket-id>",
		Short: "Submit a failing verdict",
		Long:  "Needs a failed step or feedback text. The ticket moves to changes_requested and findings are recorded for failed steps.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sess, err := demoSession(ctx, e, args[0])
				if err != nil {
					return err
				}
				sess.SetFeedback(feedback)
				if err := sess.Reject(ctx); err != nil {
					return err
				}
				return printSnapshot(sess.Snapshot())
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "verdict feedback")
	return cmd
}

func demoReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <ticket-id>",
		Short: "Review a demo script interactively",
		Long:  "Walks the script step by step at a prompt: mark steps, stage notes, then approve or reject. Type help at the prompt for commands.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sess, err := demoSession(ctx, e, args[0])
				if err != nil {
					return err
				}
				return runReviewLoop(ctx, sess, os.Stdin, os.Stdout)
			})
		},
	}
	return cmd
}

func demoSession(ctx context.Context, e engine.Engine, ticketID string) (*review.Session, error) {
	store := app.EngineStore{
		Engine:  e,
		ActorID: viper.GetString("actor-id"),
		Force:   viper.GetBool("force"),
	}
	sess := review.NewSession(store, ticketID)
	if err := sess.Load(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

func printSnapshot(snap review.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(snap)
	}
	renderSnapshot(os.Stdout, snap)
	return nil
}

func findingCmd() *cobra.Command {
	finding := &cobra.Command{
		Use:   "finding",
		Short: "Manage review findings",
		Long:  "Findings are the issues a review turns up, with a severity. Failed demo steps create them automatically when the review policy says so.",
	}
	finding.AddCommand(findingAddCmd())
	finding.AddCommand(findingListCmd())
	return finding
}

func findingAddCmd() *cobra.Command {
	var opts engine.FindingAddOptions
	var step int
	cmd := &cobra.Command{
		Use:   "add <ticket-id>",
		Short: "Add a finding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TicketID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("step") {
				opts.StepOrder = &step
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.AddReviewFinding(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "finding title")
	cmd.Flags().StringVar(&opts.Detail, "detail", "", "detail text")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "severity (blocker, major, minor; default minor)")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category (default general)")
	cmd.Flags().StringVar(&opts.ScriptID, "script", "", "demo script id")
	cmd.Flags().IntVar(&step, "step", 0, "demo step order")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func findingListCmd() *cobra.Command {
	var f repo.FindingFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListFindings(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.TicketID, "ticket", "", "ticket filter")
	cmd.Flags().StringVar(&f.ScriptID, "script", "", "demo script filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results (0 for all)")
	return cmd
}

func reviewerCmd() *cobra.Command {
	rev := &cobra.Command{
		Use:   "reviewer",
		Short: "Manage the reviewer roster",
		Long:  "The roster is who may submit demo verdicts. Empty roster means anyone holding the demo.review permission.",
	}
	rev.AddCommand(reviewerListCmd())
	rev.AddCommand(reviewerSyncCmd())
	return rev
}

func reviewerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReviewers(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func reviewerSyncCmd() *cobra.Command {
	var entries []string
	var clear bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replace the reviewer roster",
		Long:  "Each --reviewer is actor-id or actor-id:focus. --clear empties the roster so anyone with review permission may decide.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !clear && len(entries) == 0 {
				return fmt.Errorf("--reviewer required (or --clear to empty the roster)")
			}
			parsed := make([]config.ReviewerConfig, 0, len(entries))
			for _, entry := range entries {
				actor, focus, _ := strings.Cut(entry, ":")
				if strings.TrimSpace(actor) == "" {
					return fmt.Errorf("invalid --reviewer %q", entry)
				}
				parsed = append(parsed, config.ReviewerConfig{ActorID: actor, Focus: focus})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roster, err := e.ReplaceReviewers(ctx, e.Config.Project.ID, parsed, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(roster)
			})
		},
	}
	cmd.Flags().StringArrayVar(&entries, "reviewer", []string{}, "reviewer actor-id[:focus] (repeatable)")
	cmd.Flags().BoolVar(&clear, "clear", false, "empty the roster")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacRolesCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rbacRolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "List roles with their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				roles, err := r.ListRoles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Project.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Project.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": key, "key": raw})
				}
				fmt.Printf("%s  %s\n", key.ID, key.Name)
				fmt.Printf("Key (shown once, save it): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the current actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				owned := false
				for _, k := range keys {
					if k.ID == args[0] {
						owned = true
						break
					}
				}
				if !owned {
					return fmt.Errorf("api key %s not found", args[0])
				}
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: status moves, demo verdicts, findings, config imports, and more.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logListCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var cursor int64
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, cursor, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "start below this event id (0 for newest)")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func logListCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Page events oldest-first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.EventsAfter(ctx, n, after, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 100, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "start above this event id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
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
			e := engine.New(conn, nil)
			e.AttachmentsDir = db.AttachmentsPath(workspace)
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), e, viper.GetString("project"), viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			e.Config = cfg
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("TICKETLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("TICKETLINE_JWT_SECRET is required for bearer auth (or run with --allow-actor-header for local development)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Ticketline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (local development)")
	return cmd
}

// --- helpers ---

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
	e := engine.New(conn, nil)
	e.AttachmentsDir = db.AttachmentsPath(workspace)
	_, cfg, err := app.ResolveProjectAndConfig(ctx, e, viper.GetString("project"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	e.Config = cfg
	return fn(ctx, e)
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
