package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"remindbot/internal/app"
	"remindbot/internal/config"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled reminders from the job registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		sc, err := app.RegistryConfig(cfg)
		if err != nil {
			return err
		}
		reg, err := storage.Open(sc, logx.NewConsole("warn"))
		if err != nil {
			return err
		}
		defer reg.Close()

		jobs, err := reg.ListScheduled(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No scheduled reminders.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tFIRE AT\tEPOCH\tIN\tLAST ERROR")
		now := time.Now()
		for _, j := range jobs {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
				j.TaskID,
				j.FireAt.Local().Format(time.RFC3339),
				j.Epoch,
				j.FireAt.Sub(now).Round(time.Second),
				j.LastError,
			)
		}
		return w.Flush()
	},
}
