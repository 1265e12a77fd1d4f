package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline tracks manufacturing flow through WIP-limited cells and keeps
a ledger of expectations about when work will finish.
Core concepts:
- Workspace: your .flowline directory holding only the database; configs live in the DB.
- Tenant: one shop floor owning cells, jobs, parts, operations, and the ledger.
- Cells: ordered pipeline stations with optional WIP limits; the gauge counts distinct jobs, not operations.
- Jobs/parts/operations: the work graph; operations flow not_started -> in_progress -> completed (on_hold is a detour).
- Expectations: versioned beliefs about completion times; never rewritten, only superseded.
- Exceptions: raised when a completion lands outside tolerance; triaged open -> acknowledged -> resolved/dismissed.
- Event log: diary of changes, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(cellCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(partCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(expectCmd())
	rootCmd.AddCommand(exceptionCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantListCmd())
	t.AddCommand(tenantCreateCmd())
	t.AddCommand(tenantShowCmd())
	t.AddCommand(tenantUseCmd())
	return t
}

func tenantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func tenantCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			t, err := e.InitTenant(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "tenant name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTenant(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func tenantUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current tenant for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := strings.TrimSpace(args[0])
			if tenantID == "" {
				return fmt.Errorf("tenant id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "FLOWLINE_TENANT", tenantID); err != nil {
				return err
			}
			fmt.Printf("Set FLOWLINE_TENANT=%s in %s/.env\n", tenantID, workspace)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect tenant config",
		Long:  "Config is the rulebook (stored in DB): deviation tolerance, warning ratio, and the expectation source registry. Import from flowline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
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

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			tenantID := cfg.Tenant.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if tenantID == "" {
					tenantID = e.Config.Tenant.ID
				}
				if err := e.Repo.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
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

func cellCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cell",
		Short: "Manage cells",
		Long:  "Cells are the pipeline stations. Each may carry a WIP limit; the gauge counts distinct jobs with unfinished operations in the cell.",
	}
	c.AddCommand(cellCreateCmd())
	c.AddCommand(cellListCmd())
	c.AddCommand(cellUpdateCmd())
	c.AddCommand(cellRemoveCmd())
	c.AddCommand(cellMetricsCmd())
	c.AddCommand(cellAdmissionCmd())
	return c
}

func cellCreateCmd() *cobra.Command {
	var opts engine.CellCreateOptions
	var wipLimit, warningThreshold int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cell",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("wip-limit") {
				opts.WIPLimit = &wipLimit
			}
			if cmd.Flags().Changed("warning-threshold") {
				opts.WIPWarningThreshold = &warningThreshold
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				c, err := e.CreateCell(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "cell id (optional)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "cell name")
	cmd.Flags().IntVar(&opts.Sequence, "sequence", 0, "pipeline position")
	cmd.Flags().IntVar(&wipLimit, "wip-limit", 0, "WIP limit (distinct jobs)")
	cmd.Flags().IntVar(&warningThreshold, "warning-threshold", 0, "explicit warning threshold")
	cmd.Flags().BoolVar(&opts.EnforceWIPLimit, "enforce", false, "block admission at the limit")
	cmd.Flags().BoolVar(&opts.ShowCapacityWarning, "show-warning", true, "surface capacity warnings")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func cellListCmd() *cobra.Command {
	var includeInactive bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cells",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cells, err := e.Repo.ListCells(ctx, e.Config.Tenant.ID, includeInactive)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cells)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Seq", "WIP Limit", "Enforced", "Active"})
				for _, c := range cells {
					limit := "-"
					if c.WIPLimit != nil {
						limit = fmt.Sprintf("%d", *c.WIPLimit)
					}
					tw.AppendRow(table.Row{c.ID, c.Name, c.Sequence, limit, c.EnforceWIPLimit, c.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeInactive, "all", false, "include deactivated cells")
	return cmd
}

func cellUpdateCmd() *cobra.Command {
	var name string
	var wipLimit, warningThreshold int
	var clearLimit, clearThreshold bool
	var enforce, showWarning bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var u repo.CellUpdate
			if cmd.Flags().Changed("name") {
				u.Name = &name
			}
			if clearLimit {
				var cleared *int
				u.WIPLimit = &cleared
			} else if cmd.Flags().Changed("wip-limit") {
				ptr := &wipLimit
				u.WIPLimit = &ptr
			}
			if clearThreshold {
				var cleared *int
				u.WIPWarningThreshold = &cleared
			} else if cmd.Flags().Changed("warning-threshold") {
				ptr := &warningThreshold
				u.WIPWarningThreshold = &ptr
			}
			if cmd.Flags().Changed("enforce") {
				u.EnforceWIPLimit = &enforce
			}
			if cmd.Flags().Changed("show-warning") {
				u.ShowCapacityWarning = &showWarning
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateCell(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"), u)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "cell name")
	cmd.Flags().IntVar(&wipLimit, "wip-limit", 0, "WIP limit")
	cmd.Flags().BoolVar(&clearLimit, "clear-wip-limit", false, "remove the WIP limit")
	cmd.Flags().IntVar(&warningThreshold, "warning-threshold", 0, "warning threshold")
	cmd.Flags().BoolVar(&clearThreshold, "clear-warning-threshold", false, "remove the explicit threshold")
	cmd.Flags().BoolVar(&enforce, "enforce", false, "block admission at the limit")
	cmd.Flags().BoolVar(&showWarning, "show-warning", true, "surface capacity warnings")
	return cmd
}

func cellRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Deactivate cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveCell(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func cellMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics <id>",
		Short: "Show cell WIP gauge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CellMetrics(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				limit := "-"
				if m.WIPLimit != nil {
					limit = fmt.Sprintf("%d", *m.WIPLimit)
				}
				util := "-"
				if m.UtilizationPercent != nil {
					util = fmt.Sprintf("%.1f%%", *m.UtilizationPercent)
				}
				fmt.Printf("Cell: %s\nWIP: %d / %s (%s)\nStatus: %s\n", m.CellName, m.CurrentWIP, limit, util, m.Status)
				return nil
			})
		},
	}
	return cmd
}

func cellAdmissionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admission <id>",
		Short: "Check admission into the next cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CheckNextCellAdmission(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Println(d.Message)
				return nil
			})
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs are customer orders flowing through the pipeline. A due date seeds the v1 completion expectation; changing it replans the belief, never rewrites it.",
	}
	j.AddCommand(jobCreateCmd())
	j.AddCommand(jobListCmd())
	j.AddCommand(jobGetCmd())
	j.AddCommand(jobDueDateCmd())
	j.AddCommand(jobDoneCmd())
	return j
}

func jobCreateCmd() *cobra.Command {
	var opts engine.JobCreateOptions
	var dueDate string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("due-date") {
				opts.DueDate = &dueDate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				j, err := e.CreateJob(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "job id (optional)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&opts.JobNumber, "number", "", "job number")
	cmd.Flags().StringVar(&opts.Name, "name", "", "job name")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (RFC3339)")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.TenantID == "" {
					f.TenantID = e.Config.Tenant.ID
				}
				jobs, err := e.Repo.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Name", "Status", "Due"})
				for _, j := range jobs {
					due := ""
					if j.DueDate != nil {
						due = *j.DueDate
					}
					tw.AppendRow(table.Row{j.ID, j.JobNumber, j.Name, j.Status, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func jobGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Repo.GetJob(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobDueDateCmd() *cobra.Command {
	var dueDate string
	cmd := &cobra.Command{
		Use:   "due-date <id>",
		Short: "Change job due date (replans the completion expectation)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.SetJobDueDate(ctx, e.Config.Tenant.ID, id, dueDate, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&dueDate, "due-date", "", "new due date (RFC3339)")
	_ = cmd.MarkFlagRequired("due-date")
	return cmd
}

func jobDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Complete job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CompleteJob(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func partCmd() *cobra.Command {
	p := &cobra.Command{Use: "part", Short: "Manage parts"}
	p.AddCommand(partCreateCmd())
	p.AddCommand(partListCmd())
	return p
}

func partCreateCmd() *cobra.Command {
	var opts engine.PartCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a part",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				p, err := e.CreatePart(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "part id (optional)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&opts.JobID, "job", "", "job id")
	cmd.Flags().StringVar(&opts.PartNumber, "number", "", "part number")
	cmd.Flags().StringVar(&opts.Name, "name", "", "part name")
	cmd.Flags().IntVar(&opts.Quantity, "quantity", 1, "quantity")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func partListCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListParts(ctx, e.Config.Tenant.ID, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job filter")
	return cmd
}

func opCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "op",
		Short: "Manage operations",
		Long:  "Operations are the per-part work steps assigned to cells. Completing one runs the deviation detector against the active completion expectation in the same transaction.",
	}
	o.AddCommand(opCreateCmd())
	o.AddCommand(opListCmd())
	o.AddCommand(opGetCmd())
	o.AddCommand(opStartCmd())
	o.AddCommand(opHoldCmd())
	o.AddCommand(opResumeCmd())
	o.AddCommand(opDoneCmd())
	o.AddCommand(opAssignCmd())
	o.AddCommand(opAdvanceCmd())
	return o
}

func opCreateCmd() *cobra.Command {
	var opts engine.OperationCreateOptions
	var expectedAt string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("expected-at") {
				opts.ExpectedAt = &expectedAt
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				op, err := e.CreateOperation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "operation id (optional)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&opts.PartID, "part", "", "part id")
	cmd.Flags().StringVar(&opts.CellID, "cell", "", "cell id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "operation name")
	cmd.Flags().IntVar(&opts.Sequence, "sequence", 0, "routing position")
	cmd.Flags().StringVar(&expectedAt, "expected-at", "", "expected completion (RFC3339)")
	_ = cmd.MarkFlagRequired("part")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func opListCmd() *cobra.Command {
	var f repo.OperationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.TenantID == "" {
					f.TenantID = e.Config.Tenant.ID
				}
				ops, err := e.Repo.ListOperations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Cell", "Part"})
				for _, op := range ops {
					cell := ""
					if op.CellID != nil {
						cell = *op.CellID
					}
					tw.AppendRow(table.Row{op.ID, op.Name, op.Status, cell, op.PartID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.PartID, "part", "", "part filter")
	cmd.Flags().StringVar(&f.JobID, "job", "", "job filter")
	cmd.Flags().StringVar(&f.CellID, "cell", "", "cell filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func opGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, err := e.Repo.GetOperation(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
	return cmd
}

func opVerbCmd(use, short string, call func(e engine.Engine, ctx context.Context, tenantID, id, actorID string) (domain.Operation, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, err := call(e, ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
}

func opStartCmd() *cobra.Command {
	return opVerbCmd("start <id>", "Start operation", func(e engine.Engine, ctx context.Context, tenantID, id, actorID string) (domain.Operation, error) {
		return e.StartOperation(ctx, tenantID, id, actorID)
	})
}

func opHoldCmd() *cobra.Command {
	return opVerbCmd("hold <id>", "Put operation on hold", func(e engine.Engine, ctx context.Context, tenantID, id, actorID string) (domain.Operation, error) {
		return e.HoldOperation(ctx, tenantID, id, actorID)
	})
}

func opResumeCmd() *cobra.Command {
	return opVerbCmd("resume <id>", "Resume operation", func(e engine.Engine, ctx context.Context, tenantID, id, actorID string) (domain.Operation, error) {
		return e.ResumeOperation(ctx, tenantID, id, actorID)
	})
}

func opDoneCmd() *cobra.Command {
	return opVerbCmd("done <id>", "Complete operation", func(e engine.Engine, ctx context.Context, tenantID, id, actorID string) (domain.Operation, error) {
		return e.CompleteOperation(ctx, tenantID, id, actorID)
	})
}

func opAssignCmd() *cobra.Command {
	var cellID string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign operation to a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, err := e.AssignOperationCell(ctx, e.Config.Tenant.ID, id, cellID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
	cmd.Flags().StringVar(&cellID, "cell", "", "cell id")
	_ = cmd.MarkFlagRequired("cell")
	return cmd
}

func opAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance operation to the next cell (capacity permitting)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op, decision, err := e.AdvanceOperation(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"operation": op, "admission": decision})
				}
				fmt.Println(decision.Message)
				return printJSONOrTable(op)
			})
		},
	}
	return cmd
}

func expectCmd() *cobra.Command {
	x := &cobra.Command{
		Use:   "expect",
		Short: "Manage expectations",
		Long:  "Expectations are versioned beliefs about future outcomes. They are never edited; superseding writes a new version and stamps the old one.",
	}
	x.AddCommand(expectAssertCmd())
	x.AddCommand(expectListCmd())
	x.AddCommand(expectChainCmd())
	x.AddCommand(expectSupersedeCmd())
	return x
}

func expectAssertCmd() *cobra.Command {
	var opts engine.AssertExpectationOptions
	var expectedAt string
	cmd := &cobra.Command{
		Use:   "assert",
		Short: "Assert an expectation",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatedBy = viper.GetString("actor-id")
			if cmd.Flags().Changed("expected-at") {
				opts.ExpectedAt = &expectedAt
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				exp, err := e.AssertExpectation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(exp)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "job, operation, or part")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&opts.ExpectationType, "type", "completion_time", "expectation type")
	cmd.Flags().StringVar(&opts.Statement, "statement", "", "human-readable statement")
	cmd.Flags().StringVar(&opts.ExpectedValueJSON, "expected-value-json", "", "expected value JSON")
	cmd.Flags().StringVar(&expectedAt, "expected-at", "", "expected time (RFC3339)")
	cmd.Flags().StringVar(&opts.Source, "source", "manual", "expectation source")
	cmd.Flags().StringVar(&opts.ContextJSON, "context-json", "", "context JSON")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity-id")
	_ = cmd.MarkFlagRequired("statement")
	return cmd
}

func expectListCmd() *cobra.Command {
	var f repo.ExpectationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expectations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.TenantID == "" {
					f.TenantID = e.Config.Tenant.ID
				}
				items, err := e.Repo.ListExpectations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Type", "Ver", "Active", "Expected At"})
				for _, x := range items {
					expected := ""
					if x.ExpectedAt != nil {
						expected = *x.ExpectedAt
					}
					tw.AppendRow(table.Row{x.ID, x.EntityType + "/" + x.EntityID, x.ExpectationType, x.Version, x.SupersededBy == nil, expected})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&f.ExpectationType, "type", "", "expectation type filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only active (not superseded)")
	return cmd
}

func expectChainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain <id>",
		Short: "Show the full version chain for an expectation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.Repo.GetExpectation(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				chain, err := e.Repo.ExpectationChain(ctx, e.Config.Tenant.ID, exp.EntityType, exp.EntityID, exp.ExpectationType)
				if err != nil {
					return err
				}
				return printJSONOrTable(chain)
			})
		},
	}
	return cmd
}

func expectSupersedeCmd() *cobra.Command {
	var opts engine.SupersedeExpectationOptions
	var expectedAt string
	cmd := &cobra.Command{
		Use:   "supersede <id>",
		Short: "Supersede an expectation with a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ExpectationID = args[0]
			opts.CreatedBy = viper.GetString("actor-id")
			if cmd.Flags().Changed("expected-at") {
				opts.ExpectedAt = &expectedAt
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				exp, err := e.SupersedeExpectation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(exp)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&opts.ExpectedValueJSON, "expected-value-json", "", "expected value JSON")
	cmd.Flags().StringVar(&expectedAt, "expected-at", "", "new expected time (RFC3339)")
	cmd.Flags().StringVar(&opts.Source, "source", "manual", "expectation source")
	cmd.Flags().StringVar(&opts.ContextJSON, "context-json", "", "context JSON")
	return cmd
}

func exceptionCmd() *cobra.Command {
	x := &cobra.Command{
		Use:   "exception",
		Short: "Manage exceptions",
		Long:  "Exceptions are deviations between belief and reality. Triage them open -> acknowledged -> resolved/dismissed.",
	}
	x.AddCommand(exceptionListCmd())
	x.AddCommand(exceptionGetCmd())
	x.AddCommand(exceptionAckCmd())
	x.AddCommand(exceptionResolveCmd())
	x.AddCommand(exceptionDismissCmd())
	x.AddCommand(exceptionStatsCmd())
	return x
}

func exceptionListCmd() *cobra.Command {
	var f repo.ExceptionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List exceptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.TenantID == "" {
					f.TenantID = e.Config.Tenant.ID
				}
				items, err := e.Repo.ListExceptions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Deviation", "Detected"})
				for _, x := range items {
					dev := ""
					if x.DeviationAmount != nil {
						unit := ""
						if x.DeviationUnit != nil {
							unit = " " + *x.DeviationUnit
						}
						dev = fmt.Sprintf("%.1f%s", *x.DeviationAmount, unit)
					}
					tw.AppendRow(table.Row{x.ID, x.ExceptionType, x.Status, dev, x.DetectedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ExceptionType, "type", "", "type filter")
	cmd.Flags().StringVar(&f.ExpectationID, "expectation", "", "expectation filter")
	return cmd
}

func exceptionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.Repo.GetException(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	return cmd
}

func exceptionAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.AcknowledgeException(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	return cmd
}

func exceptionResolveCmd() *cobra.Command {
	var opts engine.ExceptionResolveOptions
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.ResolveException(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RootCause, "root-cause", "", "root cause")
	cmd.Flags().StringVar(&opts.CorrectiveAction, "corrective-action", "", "corrective action")
	cmd.Flags().StringVar(&opts.PreventiveAction, "preventive-action", "", "preventive action")
	cmd.Flags().StringVar(&opts.ResolutionJSON, "resolution-json", "", "resolution JSON")
	return cmd
}

func exceptionDismissCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.DismissException(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dismissal reason")
	return cmd
}

func exceptionStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Exception statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.ExceptionStats(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Open: %d\nAcknowledged: %d\nResolved: %d\nDismissed: %d\nTotal: %d\n",
					stats.OpenCount, stats.AcknowledgedCount, stats.ResolvedCount, stats.DismissedCount, stats.TotalCount)
				if stats.AvgResolutionTimeHours != nil {
					fmt.Printf("Avg resolution: %.1fh\n", *stats.AvgResolutionTimeHours)
				}
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (the plaintext is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				plaintext := hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:       uuid.New().String(),
					TenantID: e.Config.Tenant.ID,
					ActorID:  viper.GetString("actor-id"),
					Name:     name,
					KeyHash:  repo.HashAPIKey(plaintext),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"api_key": plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, e.Config.Tenant.ID, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
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
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, e.Config.Tenant.ID, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: cell changes, job flow, expectations, exceptions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Tenant.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), viper.GetString("tenant"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FLOWLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOWLINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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
