package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/scheduler"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

func scheduleCmd() *cobra.Command {
	var (
		agentID  string
		at       string
		every    int
		cronExpr string
	)
	cmd := &cobra.Command{
		Use:   "schedule <instruction>",
		Short: "Schedule a task for the running agent daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cacheDir := cfg.Scheduler.CacheDir
			if cacheDir == "" {
				cacheDir = filepath.Dir(store.DefaultTaskCachePath())
			}
			cache := store.NewTaskCache(filepath.Join(cacheDir, "tasks.json"), nil)

			// The daemon binds run_agent at startup; here it only needs
			// to exist so validation passes.
			reg := scheduler.NewCallbackRegistry()
			reg.Register("run_agent", func(context.Context, *scheduler.Task) error { return nil })
			sched := scheduler.New(scheduler.NewCacheClient(cache), reg)

			task := &scheduler.Task{
				AgentID:     agentID,
				Instruction: args[0],
				Type:        scheduler.TaskOneShot,
				Callback:    "run_agent",
				CronExpr:    cronExpr,
				IntervalSec: every,
			}
			if every > 0 || cronExpr != "" {
				task.Type = scheduler.TaskRecurring
			}
			if at != "" {
				when, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at time (want RFC3339): %w", err)
				}
				task.ScheduleTime = when
			}

			id, err := sched.Schedule(cmd.Context(), task)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled task %s (%s) at %s\n", id, task.Type, task.ScheduleTime.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent to run the instruction on (default: primary)")
	cmd.Flags().StringVar(&at, "at", "", "first fire time, RFC3339 (default: now)")
	cmd.Flags().IntVar(&every, "every", 0, "repeat interval in seconds (makes the task recurring)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression (makes the task recurring)")
	return cmd
}
