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

	"github.com/AkaFlex/Trade-Junco/internal/app"
	"github.com/AkaFlex/Trade-Junco/internal/config"
	"github.com/AkaFlex/Trade-Junco/internal/db"
	"github.com/AkaFlex/Trade-Junco/internal/domain"
	"github.com/AkaFlex/Trade-Junco/internal/engine"
	"github.com/AkaFlex/Trade-Junco/internal/evidence"
	"github.com/AkaFlex/Trade-Junco/internal/repo"
	"github.com/AkaFlex/Trade-Junco/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tradejunco",
	Short: "Trade Junco CLI",
	Long: `Trade Junco manages trade marketing actions: field reps request in-store
promotional actions, administrators approve them against regional monthly
budgets, promoters file daily sell-out reports, and finance settles
completed actions.`,
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
	viper.SetEnvPrefix("TRADEJUNCO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-admin", "actor email recorded on audit events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is tradejunco.yml in the workspace: the administrator allow-list, business rules (day rate, days range, lead time, volume floor), evidence upload endpoint and auth settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault(viper.GetString("workspace"))
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
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			_, err := config.FromFile(path)
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

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage trade requests"}
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestApproveCmd())
	req.AddCommand(requestRejectCmd())
	req.AddCommand(requestPayCmd())
	req.AddCommand(requestValueCmd())
	return req
}

func requestListCmd() *cobra.Command {
	var rcaEmail, partnerCode, status, region string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
					RCAEmail:    rcaEmail,
					PartnerCode: partnerCode,
					Status:      status,
					Region:      region,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "RCA", "Partner", "Region", "Action Date", "Days", "Value", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.RCAEmail, t.PartnerCode, t.Region, t.DateOfAction, t.Days, t.TotalValue, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rcaEmail, "rca-email", "", "filter by requesting RCA email")
	cmd.Flags().StringVar(&partnerCode, "partner-code", "", "filter by partner code")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&region, "region", "", "filter by region")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show one request with reports and evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func requestCreateCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	var notEligible bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a trade action request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.VolumeEligible = !notEligible
				opts.ActorID = viper.GetString("actor")
				if opts.RCAEmail == "" {
					opts.RCAEmail = opts.ActorID
				}
				t, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RCAName, "rca-name", "", "requesting RCA name")
	cmd.Flags().StringVar(&opts.RCAEmail, "rca-email", "", "requesting RCA email (defaults to --actor)")
	cmd.Flags().StringVar(&opts.RCAPhone, "rca-phone", "", "requesting RCA phone")
	cmd.Flags().StringVar(&opts.PartnerCode, "partner-code", "", "partner store code")
	cmd.Flags().StringVar(&opts.Region, "region", "", "commercial region, one of: "+strings.Join(domain.Regions, ", "))
	cmd.Flags().StringVar(&opts.OrderDate, "order-date", "", "related order date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.DateOfAction, "date", "", "action date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Days, "days", 1, "action duration in days")
	cmd.Flags().StringVar(&opts.Justification, "justification", "", "why more than one day is needed")
	cmd.Flags().BoolVar(&notEligible, "volume-below-floor", false, "declare Doceria volume below the eligibility floor")
	_ = cmd.MarkFlagRequired("rca-name")
	return cmd
}

func requestApproveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending request against the regional budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Approve(ctx, args[0], viper.GetString("actor"), force)
				var be engine.BudgetExceededError
				if errors.As(err, &be) {
					fmt.Println(be.Availability.Message)
					fmt.Println("re-run with --force to approve anyway")
					return err
				}
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "approve even when the budget is exceeded")
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Reject(ctx, args[0], reason, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func requestPayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay <request-id>",
		Short: "Settle a completed request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.MarkPaid(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func requestValueCmd() *cobra.Command {
	var value float64
	cmd := &cobra.Command{
		Use:   "set-value <request-id>",
		Short: "Overwrite the payout value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.EditValue(ctx, args[0], value, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().Float64Var(&value, "value", 0, "new payout value")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func budgetCmd() *cobra.Command {
	bud := &cobra.Command{Use: "budget", Short: "Manage regional monthly budgets"}
	bud.AddCommand(budgetSetCmd())
	bud.AddCommand(budgetListCmd())
	bud.AddCommand(budgetCheckCmd())
	return bud
}

func budgetSetCmd() *cobra.Command {
	var region, month string
	var limit float64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or overwrite one region-month ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SetBudget(ctx, region, month, limit, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "commercial region")
	cmd.Flags().StringVar(&month, "month", "", "competence month (YYYY-MM)")
	cmd.Flags().Float64Var(&limit, "limit", 0, "spending ceiling")
	_ = cmd.MarkFlagRequired("region")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

func budgetListCmd() *cobra.Command {
	var month, year string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBudgets(ctx, repo.BudgetFilters{Month: month, Year: year})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Region", "Month", "Limit"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.Region, b.Month, b.Limit})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "filter by month (YYYY-MM)")
	cmd.Flags().StringVar(&year, "year", "", "filter by year (YYYY)")
	return cmd
}

func budgetCheckCmd() *cobra.Command {
	var region, month string
	var value float64
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check headroom for a prospective approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a := e.CheckAvailability(ctx, region, month, value)
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "commercial region")
	cmd.Flags().StringVar(&month, "month", "", "competence month (YYYY-MM)")
	cmd.Flags().Float64Var(&value, "value", 0, "requested value")
	_ = cmd.MarkFlagRequired("region")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

func sweepCmd() *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire approved requests from past months",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireSweep(ctx, month, viper.GetString("actor"))
				if err != nil {
					return err
				}
				fmt.Printf("expired %d request(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "reference month (YYYY-MM, defaults to current)")
	return cmd
}

func dashboardCmd() *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Admin overview for one month",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.ExpireSweep(ctx, "", viper.GetString("actor")); err != nil {
					return err
				}
				d, err := e.LoadDashboard(ctx, month)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Region", "Spent", "Limit", "Remaining"})
				for _, rt := range d.RegionTotals {
					tw.AppendRow(table.Row{rt.Region, rt.Spent, rt.Limit, rt.Remaining})
				}
				tw.Render()
				fmt.Println()
				tw = table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Product", "Units"})
				for _, pt := range d.ProductMix {
					tw.AppendRow(table.Row{pt.Name, pt.Qty})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "competence month (YYYY-MM, defaults to current)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit event log"}
	var limit int
	var evtType, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, limit, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "filter by event type")
	tail.Flags().StringVar(&entityID, "entity", "", "filter by entity id")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()

			// overdue approvals are closed before the first admin looks
			if n, err := a.Engine.ExpireSweep(cmd.Context(), "", "system"); err != nil {
				return err
			} else if n > 0 {
				fmt.Printf("expired %d overdue request(s)\n", n)
			}

			authCfg := server.AuthConfig{
				JWTSecret:              a.Config.Auth.JWTSecret,
				AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
			}
			if s := os.Getenv("TRADEJUNCO_JWT_SECRET"); s != "" {
				authCfg.JWTSecret = s
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("TRADEJUNCO_JWT_SECRET is required when the legacy actor header is disabled")
			}
			up := evidence.New(a.Config.Evidence.UploadURL, a.Config.Evidence.APIKey)
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Uploader: up,
				BasePath: basePath,
				Auth:     authCfg,
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
			fmt.Printf("Serving Trade Junco API on http://%s%s (database %s)\n", addr, basePath, db.Path(workspace))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
