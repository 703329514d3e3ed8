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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coordline/internal/app"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/repo"
	"coordline/internal/schema"
	"coordline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cdl",
	Short: "Coordline CLI",
	Long: `Coordline coordinates mixed human/agent work over an append-only event log.
Core concepts:
- Workspace: your .coordline directory holding the event log database.
- Work items: tasks, bugs, features; statuses move new -> backlog -> ready -> in_progress -> review -> done.
- Version tokens: every mutation names the version it saw; stale writes are rejected, retries with the same token replay.
- Queue: agents claim the highest-priority ready item matching their capabilities; humans always outrank agents on assignment.
- Schema governance: create statements are canonicalized, hashed, executed, test-gated, and only then recorded.
- Monitor: sweeps for SLA breaches, schema drift, and items past their failure budget.
- Event log: the single source of truth, view with 'cdl log tail'.`,
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
	viper.SetEnvPrefix("COORDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.InitWorkspace(viper.GetString("workspace"), projectID)
			if err != nil {
				return err
			}
			fmt.Printf("workspace ready, config at %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "local", "project id")
	return cmd
}

func workCmd() *cobra.Command {
	work := &cobra.Command{Use: "work", Short: "Manage work items"}
	work.AddCommand(workCreateCmd())
	work.AddCommand(workListCmd())
	work.AddCommand(workShowCmd())
	work.AddCommand(workStatusCmd())
	work.AddCommand(workAssignCmd())
	work.AddCommand(workEstimateCmd())
	work.AddCommand(workCompleteCmd())
	work.AddCommand(workReleaseCmd())
	work.AddCommand(workDependCmd())
	work.AddCommand(workErrorCmd())
	work.AddCommand(workHistoryCmd())
	return work
}

func workCreateCmd() *cobra.Command {
	var title, workType, severity, description, token string
	var businessValue int
	var customerImpact bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.CreateWork(ctx, engine.CreateOptions{
					Title:            title,
					Type:             workType,
					Severity:         severity,
					Description:      description,
					Reporter:         viper.GetString("actor-id"),
					BusinessValue:    businessValue,
					CustomerImpact:   customerImpact,
					IdempotencyToken: token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&workType, "type", "task", "item type (task|bug|feature|chore|incident)")
	cmd.Flags().StringVar(&severity, "severity", "p3", "severity (p1..p4)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().IntVar(&businessValue, "business-value", 0, "business value score")
	cmd.Flags().BoolVar(&customerImpact, "customer-impact", false, "customer facing")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func workListCmd() *cobra.Command {
	var status, assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.Projections.Refresh(ctx); err != nil {
					return err
				}
				var items []domain.WorkItem
				for _, w := range a.Engine.Projections.WorkItems() {
					if status != "" && w.Status != status {
						continue
					}
					if assignee != "" && w.AssigneeID != assignee {
						continue
					}
					items = append(items, w)
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Seq", "Title", "Status", "Sev", "Assignee", "Version"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.SeqNum, w.Title, w.Status, w.Severity, w.AssigneeID, w.VersionToken})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	return cmd
}

func workShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <work-id>",
		Short: "Show one work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				w, err := a.Engine.Projections.WorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workStatusCmd() *cobra.Command {
	var reason, token string
	var expected int64
	cmd := &cobra.Command{
		Use:   "status <work-id> <new-status>",
		Short: "Move a work item to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.SetStatus(ctx, engine.StatusOptions{
					WorkID:           args[0],
					NewStatus:        args[1],
					ExpectedVersion:  expected,
					ActorID:          viper.GetString("actor-id"),
					Reason:           reason,
					IdempotencyToken: token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func workAssignCmd() *cobra.Command {
	var assigneeID, assigneeKind, reason, token string
	var expected int64
	cmd := &cobra.Command{
		Use:   "assign <work-id>",
		Short: "Assign a work item to a human or agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if assigneeID == "" {
				return fmt.Errorf("--assignee required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Assign(ctx, engine.AssignOptions{
					WorkID:           args[0],
					AssigneeID:       assigneeID,
					AssigneeKind:     assigneeKind,
					ExpectedVersion:  expected,
					ActorID:          viper.GetString("actor-id"),
					Reason:           reason,
					IdempotencyToken: token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&assigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&assigneeKind, "kind", "human", "assignee kind (human|agent)")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func workEstimateCmd() *cobra.Command {
	var points int
	var reason, token string
	var expected int64
	cmd := &cobra.Command{
		Use:   "estimate <work-id>",
		Short: "Set story points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Estimate(ctx, engine.EstimateOptions{
					WorkID:           args[0],
					Points:           points,
					ExpectedVersion:  expected,
					ActorID:          viper.GetString("actor-id"),
					Reason:           reason,
					IdempotencyToken: token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&points, "points", 0, "story points")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func workCompleteCmd() *cobra.Command {
	var notes, deliverables, token string
	var testsPassing, override bool
	var expected int64
	cmd := &cobra.Command{
		Use:   "complete <work-id>",
		Short: "Complete a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Complete(ctx, engine.CompleteOptions{
					WorkID:           args[0],
					ExpectedVersion:  expected,
					ActorID:          viper.GetString("actor-id"),
					Notes:            notes,
					Deliverables:     deliverables,
					TestsPassing:     testsPassing,
					Override:         override,
					IdempotencyToken: token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	cmd.Flags().StringVar(&deliverables, "deliverables", "", "deliverables reference")
	cmd.Flags().BoolVar(&testsPassing, "tests-passing", false, "tests passed")
	cmd.Flags().BoolVar(&override, "override", false, "complete despite failing tests")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func workReleaseCmd() *cobra.Command {
	var reason, token string
	var expected int64
	cmd := &cobra.Command{
		Use:   "release <work-id>",
		Short: "Release a claimed or assigned item back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Release(ctx, engine.ReleaseOptions{
					WorkID:           args[0],
					AgentID:          viper.GetString("actor-id"),
					ExpectedVersion:  expected,
					Reason:           reason,
					IdempotencyToken: token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func workDependCmd() *cobra.Command {
	var kind, reason, token string
	var expected int64
	cmd := &cobra.Command{
		Use:   "depend <work-id> <depends-on>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.AddDependency(ctx, engine.DependencyOptions{
					WorkID:           args[0],
					DependsOn:        args[1],
					Kind:             kind,
					ExpectedVersion:  expected,
					ActorID:          viper.GetString("actor-id"),
					Reason:           reason,
					IdempotencyToken: token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "dependency kind")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func workErrorCmd() *cobra.Command {
	var kind, message, token string
	var willRetry bool
	cmd := &cobra.Command{
		Use:   "error <work-id>",
		Short: "Report an agent failure on an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.ReportError(ctx, engine.ErrorReportOptions{
					WorkID:           args[0],
					AgentID:          viper.GetString("actor-id"),
					Kind:             kind,
					Message:          message,
					WillRetry:        willRetry,
					IdempotencyToken: token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "error kind")
	cmd.Flags().StringVar(&message, "message", "", "error message")
	cmd.Flags().BoolVar(&willRetry, "will-retry", false, "agent will retry")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func workHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <work-id>",
		Short: "Show the full event history of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				events, err := a.Engine.History(ctx, domain.KindWorkItem, args[0])
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	return cmd
}

func queueCmd() *cobra.Command {
	queue := &cobra.Command{Use: "queue", Short: "Ranked claimable work"}
	queue.AddCommand(queueListCmd())
	queue.AddCommand(queueClaimCmd())
	return queue
}

func queueListCmd() *cobra.Command {
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ranked claim candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				candidates, err := a.Scheduler.Candidates(ctx, capabilities)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(candidates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Sev", "Priority", "Skill", "Version"})
				for _, c := range candidates {
					tw.AppendRow(table.Row{c.Item.ID, c.Item.Title, c.Item.Severity, c.Priority, c.SkillScore, c.Item.VersionToken})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability tag (repeatable)")
	return cmd
}

func queueClaimCmd() *cobra.Command {
	var agentKind string
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the best available item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				item, err := a.Scheduler.ClaimNext(ctx, viper.GetString("actor-id"), agentKind, capabilities)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&agentKind, "kind", "agent", "claimer kind (human|agent)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability tag (repeatable)")
	return cmd
}

func schemaCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schema", Short: "Governed schema changes"}
	sc.AddCommand(schemaApplyCmd())
	sc.AddCommand(schemaAlterCmd())
	sc.AddCommand(schemaListCmd())
	sc.AddCommand(schemaShowCmd())
	sc.AddCommand(schemaTestCmd())
	sc.AddCommand(schemaSoftDropCmd())
	sc.AddCommand(schemaHardDropCmd())
	sc.AddCommand(schemaRecoverCmd())
	sc.AddCommand(schemaDriftCmd())
	return sc
}

func readDefinition(inline, file string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if file == "" {
		return "", fmt.Errorf("--definition or --file required")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func schemaApplyCmd() *cobra.Command {
	var definition, file, reason, expectedHash, token string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Submit a schema change through the governance pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readDefinition(definition, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := schema.ApplyOptions{
					ActorID:          viper.GetString("actor-id"),
					Definition:       text,
					Reason:           reason,
					ExpectedHash:     expectedHash,
					IdempotencyToken: token,
				}
				if cmd.Flags().Changed("expected-version") {
					opts.ExpectedVersion = &expectedVersion
				}
				res, err := a.Pipeline.ApplyChange(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&definition, "definition", "", "create statement text")
	cmd.Flags().StringVar(&file, "file", "", "file holding the create statement")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&expectedHash, "expected-hash", "", "require this canonical hash before applying")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func schemaAlterCmd() *cobra.Command {
	var reason, expectedHash, token string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "alter <statement>",
		Short: "Add a column to a governed table (redeploys the definition)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := schema.AlterOptions{
					ActorID:          viper.GetString("actor-id"),
					Statement:        args[0],
					Reason:           reason,
					ExpectedHash:     expectedHash,
					IdempotencyToken: token,
				}
				if cmd.Flags().Changed("expected-version") {
					opts.ExpectedVersion = &expectedVersion
				}
				res, err := a.Pipeline.Alter(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&expectedHash, "expected-hash", "", "require this canonical hash before altering")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func schemaListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List governed schema objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.Projections.Refresh(ctx); err != nil {
					return err
				}
				var objects []domain.SchemaObject
				for _, o := range a.Engine.Projections.SchemaObjects() {
					if status != "" && o.Status != status {
						continue
					}
					objects = append(objects, o)
				}
				if viper.GetBool("json") {
					return printJSON(objects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Kind", "Version", "Status", "Hash", "Tests"})
				for _, o := range objects {
					tw.AppendRow(table.Row{o.Name, o.Kind, o.Version, o.Status, shortHash(o.CanonicalHash), len(o.Tests)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active|retired|dropped)")
	return cmd
}

func schemaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one schema object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				obj, err := a.Engine.Projections.SchemaObject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(obj)
			})
		},
	}
	return cmd
}

func schemaTestCmd() *cobra.Command {
	var test, token string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "test <name>",
		Short: "Register a gating test on a schema object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if test == "" {
				return fmt.Errorf("--test required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := schema.RegisterTestOptions{
					Name:             args[0],
					Test:             test,
					ActorID:          viper.GetString("actor-id"),
					IdempotencyToken: token,
				}
				if cmd.Flags().Changed("expected-version") {
					opts.ExpectedVersion = &expectedVersion
				}
				obj, _, err := a.Pipeline.RegisterTest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(obj)
			})
		},
	}
	cmd.Flags().StringVar(&test, "test", "", "test statement")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func schemaSoftDropCmd() *cobra.Command {
	var reason, token string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "soft-drop <name>",
		Short: "Retire an object, keeping its definition recoverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := schema.DropOptions{
					Name:             args[0],
					ActorID:          viper.GetString("actor-id"),
					Reason:           reason,
					IdempotencyToken: token,
				}
				if cmd.Flags().Changed("expected-version") {
					opts.ExpectedVersion = &expectedVersion
				}
				obj, _, err := a.Pipeline.SoftDrop(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(obj)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func schemaHardDropCmd() *cobra.Command {
	var reason, token string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "hard-drop <name>",
		Short: "Drop an object permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := schema.DropOptions{
					Name:             args[0],
					ActorID:          viper.GetString("actor-id"),
					Reason:           reason,
					IdempotencyToken: token,
				}
				if cmd.Flags().Changed("expected-version") {
					opts.ExpectedVersion = &expectedVersion
				}
				obj, _, err := a.Pipeline.HardDrop(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(obj)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func schemaRecoverCmd() *cobra.Command {
	var newName, token string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "recover <name>",
		Short: "Re-deploy a retired object, optionally under a new name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := schema.RecoverOptions{
					Name:             args[0],
					NewName:          newName,
					ActorID:          viper.GetString("actor-id"),
					IdempotencyToken: token,
				}
				if cmd.Flags().Changed("expected-version") {
					opts.ExpectedVersion = &expectedVersion
				}
				res, err := a.Pipeline.Recover(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&newName, "new-name", "", "recover under this name")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version token the change is based on")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "idempotency token")
	return cmd
}

func schemaDriftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare deployed definitions against the live system",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				entries, err := a.Pipeline.Drift(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Declared", "Live", "Missing", "Unmanaged"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Name, shortHash(e.DeclaredHash), shortHash(e.LiveHash), e.Missing, e.Unmanaged})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func monitorCmd() *cobra.Command {
	mon := &cobra.Command{Use: "monitor", Short: "SLA and compliance monitoring"}
	mon.AddCommand(monitorSweepCmd())
	return mon
}

func monitorSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one monitor sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				report, err := a.Monitor.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var events []domain.Event
				var err error
				if after > 0 {
					events, err = a.Engine.Store.After(ctx, after, n)
				} else {
					events, err = a.Engine.Store.Recent(ctx, entityKind, n)
				}
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().Int64Var(&after, "after", 0, "read forward from this event id")
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "API keys for the HTTP server"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				raw := uuid.NewString() + uuid.NewString()
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				return printJSON(map[string]any{"id": rec.ID, "actor_id": rec.ActorID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("COORDLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("COORDLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			handler, err := server.New(server.Config{
				Engine:    a.Engine,
				Scheduler: a.Scheduler,
				Pipeline:  a.Pipeline,
				Monitor:   a.Monitor,
				Repo:      a.Repo,
				BasePath:  basePath,
				Auth:      authCfg,
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a.Engine.Projections.Start(ctx)
			a.Monitor.Start(ctx)
			server.StartWebhookDispatcher(ctx, a.Engine.Store, a.Config)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Coordline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "At", "Actor", "Action", "Entity"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.ID, e.OccurredAt, e.ActorID, e.Action, e.EntityKind + "/" + e.EntityID})
	}
	tw.Render()
	return nil
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

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
