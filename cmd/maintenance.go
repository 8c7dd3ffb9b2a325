package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/replyflow/internal/dependency"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "List or run upkeep jobs",
}

func init() {
	maintenanceCmd.AddCommand(maintenanceListCmd)
	maintenanceCmd.AddCommand(maintenanceRunCmd)
}

var maintenanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List upkeep jobs and their schedules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Server.Enabled = false
		container, err := dependency.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer container.Close()

		jobs := container.Scheduler().Jobs()
		names := make([]string, 0, len(jobs))
		for n := range jobs {
			names = append(names, n)
		}
		sort.Strings(names)

		fmt.Printf("%-12s %s\n", "Job", "Schedule")
		for _, n := range names {
			spec := jobs[n]
			if spec == "" {
				spec = "(manual)"
			}
			fmt.Printf("%-12s %s\n", n, spec)
		}
		return nil
	},
}

var maintenanceRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run an upkeep job now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Server.Enabled = false
		container, err := dependency.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer container.Close()

		if err := container.Scheduler().RunNow(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Ran %s\n", args[0])
		return nil
	},
}
