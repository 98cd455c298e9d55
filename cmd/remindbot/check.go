package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"remindbot/internal/app"
	"remindbot/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := app.Validate(cfg); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %s\n", cfgPath)
		fmt.Fprintf(out, "  telegram:  token set=%t\n", cfg.Telegram.Token != "")
		fmt.Fprintf(out, "  storage:   driver=%q\n", cfg.Storage.Driver)
		fmt.Fprintf(out, "  tasks:     driver=%q\n", cfg.Tasks.Driver)
		fmt.Fprintf(out, "  scheduler: enabled=%t lead=%q tz=%q\n", cfg.Scheduler.Enabled, cfg.Scheduler.Lead, cfg.Scheduler.Timezone)
		fmt.Fprintf(out, "  http:      enabled=%t addr=%q\n", cfg.HTTP.Enabled, cfg.HTTP.Addr)
		return nil
	},
}
