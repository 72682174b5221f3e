package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/linkflow-ai/chmigrate/pkg/api"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const defaultMigration = "0004_replicated_schema"

type options struct {
	addr    string
	timeout time.Duration
}

func (o *options) client() *api.Client {
	return api.NewClient(o.addr, api.WithTimeout(o.timeout))
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "chmigratectl",
		Short: "Operate ClickHouse async migrations",
		Long: `chmigratectl talks to the async migration service. It shows what a migration
would do, starts runs and unwinds runs that failed or crashed.`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "http://localhost:8080", "address of the async migration service")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 6*time.Hour, "request timeout, must cover a whole run")

	rootCmd.AddCommand(
		newListCmd(opts),
		newStatusCmd(opts),
		newPlanCmd(opts),
		newRunCmd(opts),
		newRunStatusCmd(opts),
		newRollbackCmd(opts),
	)

	return rootCmd
}

func migrationArg(args []string) string {
	if len(args) == 0 {
		return defaultMigration
	}
	return args[0]
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrations, err := opts.client().Migrations.List(cmd.Context())
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), "Name", "Tables", "Depends on", "Description")
			for _, m := range migrations {
				table.Append([]string{m.Name, strconv.Itoa(m.Tables), m.DependsOn, m.Description})
			}
			table.Render()
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [migration]",
		Short: "Show whether a migration is required and how it last ran",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Migrations.Status(cmd.Context(), migrationArg(args))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "migration: %s\n", status.Name)
			fmt.Fprintf(out, "required:  %t\n", status.Required)
			if status.LatestRun != nil {
				printRun(out, status.LatestRun)
			}
			return nil
		},
	}
}

func newPlanCmd(opts *options) *cobra.Command {
	var showSQL bool

	cmd := &cobra.Command{
		Use:   "plan [migration]",
		Short: "Print the operations a run would execute",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := opts.client().Migrations.Plan(cmd.Context(), migrationArg(args))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run key: %s\n", plan.RunKey)

			header := []string{"#", "Kind", "Description", "Rollback"}
			if showSQL {
				header = append(header, "SQL")
			}

			table := newTable(out, header...)
			for _, step := range plan.Steps {
				rollback := "yes"
				if !step.Reversible {
					rollback = "irreversible"
				}
				row := []string{strconv.Itoa(step.Index), step.Kind, step.Description, rollback}
				if showSQL {
					row = append(row, step.SQL)
				}
				table.Append(row)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&showSQL, "sql", false, "print the SQL of each statement")

	return cmd
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run [migration]",
		Short: "Run a migration and wait for it to finish",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.client().Migrations.Run(cmd.Context(), migrationArg(args))
			var apiErr *api.APIError
			if errors.As(err, &apiErr) && apiErr.Run != nil {
				printRun(cmd.OutOrStdout(), apiErr.Run)
			}
			if err != nil {
				return err
			}

			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
}

func newRunStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run-status <run-id>",
		Short: "Show a run and the state of each of its operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := opts.client().Runs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printRun(out, details.Run)

			table := newTable(out, "#", "State", "Operation", "Error")
			for _, cp := range details.Checkpoints {
				table.Append([]string{strconv.Itoa(cp.Index), cp.State, cp.Description, cp.Error})
			}
			table.Render()
			return nil
		},
	}
}

func newRollbackCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Unwind every operation of a run that may still be in effect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.client().Runs.Rollback(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
}

// newTable returns a table that prints cells as they are
func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader(header)
	return table
}

func printRun(out io.Writer, run *api.Run) {
	if run.ID != "" {
		fmt.Fprintf(out, "run:       %s (%s)\n", run.ID, run.RunKey)
	}
	fmt.Fprintf(out, "status:    %s\n", run.Status)
	if run.TotalSteps > 0 {
		fmt.Fprintf(out, "steps:     %d/%d\n", run.StepsApplied, run.TotalSteps)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "error:     %s\n", run.Error)
	}
	for _, rbErr := range run.RollbackErrors {
		fmt.Fprintf(out, "rollback:  %s\n", rbErr)
	}
}
