package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pharmaopt/internal/buildinfo"
	"pharmaopt/internal/config"
	"pharmaopt/internal/loader"
	"pharmaopt/internal/logging"
	"pharmaopt/internal/model"
	"pharmaopt/internal/opt"
	"pharmaopt/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "optctl",
	Short: "Pharmaceutical shipment optimizer",
	Long: `optctl assigns perishable batches to transport routes.
- run: load batches.csv, routes.csv and (optionally) demand.csv from a directory and optimize.
- history: list, show, export or clear runs saved in the local SQLite history.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHARMAOPT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "optimizer config YAML")
	rootCmd.PersistentFlags().String("db", "pharmaopt.db", "SQLite run history file")
	rootCmd.PersistentFlags().String("session", opt.DefaultSession, "session id")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level")
	for _, name := range []string{"config", "db", "session", "json", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// exitCode distinguishes bad input (2), infeasibility (3) and timeouts (4).
func exitCode(err error) int {
	var (
		ve  *opt.ValidationError
		inf *opt.InfeasibleModelError
		tbe *opt.TimeBudgetExceededError
	)
	switch {
	case errors.As(err, &ve):
		return 2
	case errors.As(err, &inf):
		return 3
	case errors.As(err, &tbe):
		return 4
	}
	return 1
}

func loadConfig() (config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	st, err := store.NewSQLite(ctx, viper.GetString("db"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(ctx, st)
}

func runCmd() *cobra.Command {
	var (
		dir, strategy, asOf, csvOut string
		timeLimit                   time.Duration
		summary, noHistory          bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Optimize a dataset directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p := cfg.Optimizer.Parameters()
			if strategy != "" {
				p.Strategy = opt.Strategy(strings.ToLower(strategy))
			}
			if timeLimit > 0 {
				p.TimeLimit = timeLimit
			}
			if asOf != "" {
				t, err := model.ParseDate(asOf)
				if err != nil {
					return &opt.ValidationError{Field: "as-of", Message: err.Error()}
				}
				p.AsOf = t
			}
			ds, err := loader.LoadDir(dir)
			if err != nil {
				return err
			}

			logger := logging.New(logging.Config{Level: viper.GetString("log-level"), ServiceName: "optctl", Version: buildinfo.Version, Output: os.Stderr})
			orch := opt.NewOrchestrator(opt.WithLogger(logger))
			session := viper.GetString("session")
			sol, runErr := orch.Run(cmd.Context(), opt.RunRequest{Session: session, Batches: ds.Batches, Routes: ds.Routes, Demand: ds.Demand, Params: p})
			var tbe *opt.TimeBudgetExceededError
			if runErr != nil && !(errors.As(runErr, &tbe) && tbe.Solution != nil) {
				return runErr
			}
			if runErr != nil {
				fmt.Fprintln(os.Stderr, "warning:", runErr)
			}

			if !noHistory {
				err := withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
					rec, err := store.NewRunRecord(session, sol)
					if err != nil {
						return err
					}
					return st.SaveRun(ctx, rec)
				})
				if err != nil {
					fmt.Fprintln(os.Stderr, "warning: run not saved:", err)
				}
			}
			if csvOut != "" {
				if err := writeCSVFile(csvOut, sol); err != nil {
					return err
				}
			}
			switch {
			case viper.GetBool("json"):
				return printJSON(model.SolutionFromDomain(session, sol))
			case summary:
				fmt.Print(opt.Summary(sol))
				return nil
			}
			printSolution(sol)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "data", "d", ".", "directory holding batches.csv, routes.csv and demand.csv")
	cmd.Flags().StringVar(&strategy, "strategy", "", "exact or heuristic (default from config)")
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "wall-clock budget, e.g. 30s")
	cmd.Flags().StringVar(&asOf, "as-of", "", "planning date (YYYY-MM-DD); defaults to now")
	cmd.Flags().StringVar(&csvOut, "csv", "", "write assignments CSV to this file")
	cmd.Flags().BoolVar(&summary, "summary", false, "print the text summary instead of tables")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not save the run")
	return cmd
}

func writeCSVFile(path string, sol *opt.Solution) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := opt.WriteCSV(f, sol); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func printSolution(sol *opt.Solution) {
	fmt.Printf("Run %s: %s (objective %.2f", sol.RunID, sol.Status, sol.Objective)
	if g := sol.Gap(); !math.IsNaN(g) {
		fmt.Printf(", gap %.4f", g)
	}
	fmt.Printf(", %s)\n", sol.Search.Elapsed.Round(time.Millisecond))

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Batch", "Route", "Quantity"})
	for _, a := range sol.Assignments {
		tw.AppendRow(table.Row{a.BatchID, a.RouteID, a.Quantity})
	}
	tw.Render()

	k := sol.KPIs
	kt := table.NewWriter()
	kt.SetOutputMirror(os.Stdout)
	kt.AppendHeader(table.Row{"KPI", "Value"})
	kt.AppendRow(table.Row{"Total cost", fmt.Sprintf("%.2f", k.TotalCost)})
	kt.AppendRow(table.Row{"Risk exposure", fmt.Sprintf("%.4f", k.RiskExposure)})
	kt.AppendRow(table.Row{"Shipped / required", fmt.Sprintf("%d / %d", k.ShippedQuantity, k.RequiredQuantity)})
	kt.AppendRow(table.Row{"On-time rate", fmt.Sprintf("%.1f%%", 100*k.OnTimeRate)})
	kt.AppendRow(table.Row{"Avg route utilization", fmt.Sprintf("%.1f%%", 100*k.AverageUtilization)})
	if k.Risk != nil {
		kt.AppendRow(table.Row{"Simulated OTIF", fmt.Sprintf("%.1f%% (P<target %.2f)", 100*k.Risk.MeanOTIF, k.Risk.ProbBelowTarget)})
	}
	kt.Render()

	if len(sol.Excluded) > 0 {
		et := table.NewWriter()
		et.SetOutputMirror(os.Stdout)
		et.AppendHeader(table.Row{"Excluded", "Reason"})
		for _, e := range sol.Excluded {
			et.AppendRow(table.Row{e.BatchID, e.Reason})
		}
		et.Render()
	}
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{Use: "history", Short: "Inspect saved runs"}
	h.AddCommand(historyListCmd())
	h.AddCommand(historyShowCmd())
	h.AddCommand(historyClearCmd())
	return h
}

func historyListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				items, _, err := st.ListRuns(ctx, viper.GetString("session"), "", limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Created", "Strategy", "Status", "Objective", "Cost", "On-time", "Shipped"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Strategy, r.Status,
						fmt.Sprintf("%.2f", r.Objective), fmt.Sprintf("%.2f", r.TotalCost), fmt.Sprintf("%.1f%%", 100*r.OnTimeRate), r.ShippedQuantity})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func historyShowCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a saved run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				rec, err := st.GetRun(ctx, viper.GetString("session"), args[0])
				if err != nil {
					return err
				}
				var out model.SolutionOut
				if err := json.Unmarshal(rec.Solution, &out); err != nil {
					return err
				}
				if format == "json" || viper.GetBool("json") {
					return printJSON(out)
				}
				sol, err := out.ToDomain()
				if err != nil {
					return err
				}
				switch format {
				case "csv":
					return opt.WriteCSV(os.Stdout, sol)
				case "summary":
					fmt.Print(opt.Summary(sol))
					return nil
				case "table":
					printSolution(sol)
					return nil
				}
				return fmt.Errorf("unknown format %q (allowed: table, summary, csv, json)", format)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "table, summary, csv or json")
	return cmd
}

func historyClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all saved runs for the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				n, err := st.ClearRuns(ctx, viper.GetString("session"))
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d runs\n", n)
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("optctl", buildinfo.String())
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
