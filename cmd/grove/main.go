package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"groveline/internal/config"
	"groveline/internal/db"
	"groveline/internal/domain"
	"groveline/internal/engine"
	"groveline/internal/events"
	"groveline/internal/migrate"
	"groveline/internal/server"
	"groveline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "grove",
	Short: "Groveline CLI",
	Long: `Groveline tracks plantations through their lifecycle and derives the work each stage needs.
Core concepts:
- Plantation: a planted area with a seed crop, collaborators, tasks, and a yield timeline; it moves planted -> growing -> harvested.
- Stage templates: when a plantation enters a stage, enabled templates for that stage spawn one-shot tasks with offset due dates.
- Recurring templates: daily/weekly/monthly cadences that generate tasks ahead of time (lead days); 'grove recurring run' catches up.
- Gate rules: advisory prerequisites for advancing a stage (completed tasks, days in stage, checkpoints); check with 'grove plantation gate'.
- Events: every change is broadcast to observers and journaled; view with 'grove log tail'.
- Workspace: the .groveline directory holding the database; config lives in groveline.yml.`,
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
	viper.SetEnvPrefix("GROVELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("wallet", "local-wallet", "acting wallet address")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("wallet", rootCmd.PersistentFlags().Lookup("wallet"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(plantationCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(collabCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(recurringCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				fmt.Printf("workspace ready: %d plantations, %d stage templates\n",
					len(e.Plantations()), len(e.StageTemplates()))
				return nil
			})
		},
	}
	return cmd
}

func plantationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plantation", Short: "Manage plantations"}
	cmd.AddCommand(plantationListCmd())
	cmd.AddCommand(plantationShowCmd())
	cmd.AddCommand(plantationAddCmd())
	cmd.AddCommand(plantationTransitionCmd())
	cmd.AddCommand(plantationBulkTransitionCmd())
	cmd.AddCommand(plantationGateCmd())
	cmd.AddCommand(plantationCoordsCmd())
	return cmd
}

func plantationListCmd() *cobra.Command {
	var wallet string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plantations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				var items []domain.Plantation
				if wallet != "" {
					items = e.PlantationsByWallet(wallet)
				} else {
					items = e.Plantations()
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Seed", "Stage", "Trees", "Hectares", "Tasks", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.SeedName, p.Stage, p.TreeCount, p.AreaHectares, len(p.Tasks), p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&wallet, "owner", "", "filter by owning wallet")
	return cmd
}

func plantationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <plantation-id>",
		Short: "Show a plantation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				p, ok := e.Plantation(args[0])
				if !ok {
					return fmt.Errorf("plantation %s not found", args[0])
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func plantationAddCmd() *cobra.Command {
	var seedName, location, startDate string
	var trees int
	var area, carbon, lat, lng float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a plantation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seedName == "" {
				return fmt.Errorf("--seed required")
			}
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				opts := engine.PlantationCreateOptions{
					SeedName:         seedName,
					Location:         location,
					StartDate:        startDate,
					Wallet:           viper.GetString("wallet"),
					TreeCount:        trees,
					AreaHectares:     area,
					CarbonOffsetTons: carbon,
				}
				if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
					opts.Coordinates = &domain.Coordinates{Lat: lat, Lng: lng}
				}
				return printJSON(e.AddPlantation(opts))
			})
		},
	}
	cmd.Flags().StringVar(&seedName, "seed", "", "seed crop name")
	cmd.Flags().StringVar(&location, "location", "", "location label")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (RFC3339, default now)")
	cmd.Flags().IntVar(&trees, "trees", 0, "tree count")
	cmd.Flags().Float64Var(&area, "area", 0, "area in hectares")
	cmd.Flags().Float64Var(&carbon, "carbon", 0, "carbon offset in tons")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

func plantationTransitionCmd() *cobra.Command {
	var target, note string
	cmd := &cobra.Command{
		Use:   "transition <plantation-id>",
		Short: "Advance a plantation's stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				p, ok := e.Transition(args[0], domain.Stage(target), optionalString(note), viper.GetString("wallet"))
				if !ok {
					return fmt.Errorf("no transition applied (unknown plantation, unknown stage, or already %s)", target)
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target stage (planted|growing|harvested)")
	cmd.Flags().StringVar(&note, "note", "", "transition note")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func plantationBulkTransitionCmd() *cobra.Command {
	var target, note string
	cmd := &cobra.Command{
		Use:   "transition-bulk <plantation-id>...",
		Short: "Advance several plantations at once (skips stage-template tasks)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				changed := e.TransitionMany(args, domain.Stage(target), optionalString(note), viper.GetString("wallet"))
				fmt.Printf("changed %d of %d\n", changed, len(args))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target stage")
	cmd.Flags().StringVar(&note, "note", "", "transition note")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func plantationGateCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "gate <plantation-id>",
		Short: "Check stage-gate rules for a candidate stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				v, ok := e.GateCheck(args[0], domain.Stage(target))
				if !ok {
					return fmt.Errorf("plantation %s not found", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				if v.CanProceed {
					fmt.Printf("OK to advance to %s\n", target)
				} else {
					fmt.Printf("blocked from advancing to %s:\n", target)
					for _, r := range v.BlockingReasons {
						fmt.Println("  -", r)
					}
				}
				for _, w := range v.Warnings {
					fmt.Println("  warning:", w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target stage")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func plantationCoordsCmd() *cobra.Command {
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "coords <plantation-id>",
		Short: "Pin a plantation's coordinates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				p, ok := e.SetCoordinates(args[0], lat, lng, viper.GetString("wallet"))
				if !ok {
					return fmt.Errorf("plantation %s not found", args[0])
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskAddCmd())
	cmd.AddCommand(taskStatusCmd())
	cmd.AddCommand(taskAssignCmd())
	cmd.AddCommand(taskListCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <plantation-id>",
		Short: "List a plantation's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				p, ok := e.Plantation(args[0])
				if !ok {
					return fmt.Errorf("plantation %s not found", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(p.Tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Due", "Assignee", "Template"})
				for _, t := range p.Tasks {
					assignee, tpl := "", ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					if t.TemplateID != nil {
						tpl = *t.TemplateID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.DueDate, assignee, tpl})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskAddCmd() *cobra.Command {
	var title, due, notes, assignee string
	cmd := &cobra.Command{
		Use:   "add <plantation-id>",
		Short: "Add a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				t, ok := e.AddTask(args[0], engine.TaskCreateOptions{
					Title:      title,
					DueDate:    due,
					AssigneeID: optionalString(assignee),
					Notes:      optionalString(notes),
				}, viper.GetString("wallet"))
				if !ok {
					return fmt.Errorf("plantation %s not found or assignee unknown", args[0])
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339, default now)")
	cmd.Flags().StringVar(&notes, "notes", "", "task notes")
	cmd.Flags().StringVar(&assignee, "assignee", "", "collaborator id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <plantation-id> <task-id>",
		Short: "Set task status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				t, ok := e.SetTaskStatus(args[0], args[1], domain.TaskStatus(status), viper.GetString("wallet"))
				if !ok {
					return fmt.Errorf("no status change applied (unknown task, unknown status, or unchanged)")
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending|in_progress|completed")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var assignee string
	var clear bool
	cmd := &cobra.Command{
		Use:   "assign <plantation-id> <task-id>",
		Short: "Assign or clear a task's assignee",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				var id *string
				if !clear {
					if assignee == "" {
						return fmt.Errorf("--assignee or --clear required")
					}
					id = &assignee
				}
				t, ok := e.SetTaskAssignee(args[0], args[1], id, viper.GetString("wallet"))
				if !ok {
					return fmt.Errorf("task or collaborator not found")
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "collaborator id")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the assignee")
	return cmd
}

func collabCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "collab", Short: "Manage collaborators"}
	cmd.AddCommand(collabAddCmd())
	cmd.AddCommand(collabNoteCmd())
	return cmd
}

func collabAddCmd() *cobra.Command {
	var name, role, contact string
	cmd := &cobra.Command{
		Use:   "add <plantation-id>",
		Short: "Add a collaborator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || role == "" {
				return fmt.Errorf("--name and --role required")
			}
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				c, ok := e.AddCollaborator(args[0], engine.CollaboratorCreateOptions{
					Name:    name,
					Role:    role,
					Contact: contact,
				}, viper.GetString("wallet"))
				if !ok {
					return fmt.Errorf("plantation %s not found", args[0])
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "collaborator name")
	cmd.Flags().StringVar(&role, "role", "", "role, matched against template assignee roles")
	cmd.Flags().StringVar(&contact, "contact", "", "contact info")
	return cmd
}

func collabNoteCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "note <plantation-id> <collaborator-id>",
		Short: "Record a collaborator note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if note == "" {
				return fmt.Errorf("--note required")
			}
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				c, ok := e.LogCollaboratorNote(args[0], args[1], note, viper.GetString("wallet"))
				if !ok {
					return fmt.Errorf("collaborator not found")
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note text")
	return cmd
}

func checkpointCmd() *cobra.Command {
	var event, date string
	var kg float64
	cmd := &cobra.Command{
		Use:   "checkpoint <plantation-id>",
		Short: "Record a yield checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if event == "" {
				return fmt.Errorf("--event required")
			}
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				cp, ok := e.AddYieldCheckpoint(args[0], engine.CheckpointCreateOptions{
					Date:    date,
					Event:   event,
					YieldKg: kg,
				}, viper.GetString("wallet"))
				if !ok {
					return fmt.Errorf("plantation %s not found", args[0])
				}
				return printJSON(cp)
			})
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "checkpoint label")
	cmd.Flags().StringVar(&date, "date", "", "checkpoint date (RFC3339, default now)")
	cmd.Flags().Float64Var(&kg, "kg", 0, "yield in kilograms")
	return cmd
}

func recurringCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "recurring", Short: "Recurring task templates"}
	cmd.AddCommand(recurringListCmd())
	cmd.AddCommand(recurringAddCmd())
	cmd.AddCommand(recurringEnableCmd(true))
	cmd.AddCommand(recurringEnableCmd(false))
	cmd.AddCommand(recurringRunCmd())
	return cmd
}

func recurringListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recurring templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				items := e.RecurringTemplates()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Plantation", "Title", "Cadence", "Next Run", "Enabled"})
				for _, t := range items {
					cadence := fmt.Sprintf("every %d %s", t.Interval, t.Frequency)
					tw.AppendRow(table.Row{t.ID, t.PlantationID, t.Title, cadence, t.NextRunDate, t.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func recurringAddCmd() *cobra.Command {
	var title, desc, frequency, next string
	var interval, lead int
	cmd := &cobra.Command{
		Use:   "add <plantation-id>",
		Short: "Add a recurring template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				tpl, ok := e.AddRecurringTemplate(engine.RecurringTemplateCreateOptions{
					PlantationID: args[0],
					Title:        title,
					Description:  desc,
					Frequency:    domain.Frequency(frequency),
					Interval:     interval,
					LeadTimeDays: lead,
					NextRunDate:  next,
				})
				if !ok {
					return fmt.Errorf("plantation %s not found or frequency unknown", args[0])
				}
				return printJSON(tpl)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "task notes")
	cmd.Flags().StringVar(&frequency, "frequency", "weekly", "daily|weekly|monthly")
	cmd.Flags().IntVar(&interval, "interval", 1, "cadence multiplier")
	cmd.Flags().IntVar(&lead, "lead", 0, "lead time in days")
	cmd.Flags().StringVar(&next, "next", "", "first run date (RFC3339, default now)")
	return cmd
}

func recurringEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <template-id>", "Enable a recurring template"
	if !enable {
		use, short = "disable <template-id>", "Disable a recurring template"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				tpl, ok := e.SetRecurringEnabled(args[0], enable)
				if !ok {
					return fmt.Errorf("template %s not found", args[0])
				}
				return printJSON(tpl)
			})
		},
	}
}

func recurringRunCmd() *cobra.Command {
	var nowFlag string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate due recurring tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				now := time.Now()
				if nowFlag != "" {
					parsed, err := time.Parse(time.RFC3339, nowFlag)
					if err != nil {
						return fmt.Errorf("--now must be RFC3339: %w", err)
					}
					now = parsed
				}
				created := e.RunScheduler(now, viper.GetString("wallet"))
				fmt.Printf("created %d tasks\n", len(created))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&nowFlag, "now", "", "clock override (RFC3339)")
	return cmd
}

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List stage task templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				items := e.StageTemplates()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Title", "Due Offset", "Role", "Enabled"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Stage, t.Title, t.DueOffsetDays, t.AssigneeRole, t.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
		Long:  "The diary of everything that happened: stage changes, generated tasks, checkpoints, and notes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *engine.Engine, j events.Journal) error {
				recs, err := j.Tail(cmd.Context(), n)
				if err != nil {
					return err
				}
				return printJSON(recs)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			st := store.Store{DB: conn}
			reg, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}
			bus := events.NewBus()
			journal := events.Journal{DB: conn}
			journal.Attach(bus)
			e := engine.New(reg, cfg, bus, &st)

			authCfg := server.AuthConfig{
				JWTSecret:         cfg.Server.JWTSecret,
				AllowWalletHeader: cfg.Server.AllowWalletHeader,
			}
			if secret := os.Getenv("GROVELINE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowWalletHeader {
				return fmt.Errorf("GROVELINE_JWT_SECRET is required unless allow_wallet_header is set")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Journal:  &journal,
				BasePath: cfg.Server.BasePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(journal, cfg.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Groveline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(*engine.Engine, events.Journal) error) error {
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
	st := store.Store{DB: conn}
	reg, err := st.Load(ctx)
	if err != nil {
		return err
	}
	bus := events.NewBus()
	journal := events.Journal{DB: conn}
	journal.Attach(bus)
	e := engine.New(reg, cfg, bus, &st)
	return fn(e, journal)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
