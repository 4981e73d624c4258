package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/matterstack/config"
	"github.com/c360studio/matterstack/engine"
)

func newInitCmd() *cobra.Command {
	var (
		workspace      string
		campaign       string
		runID          string
		operatorsPath  string
		forceOperators bool
		profile        string
		simulation     bool
		maxJobs        int
		defaultOp      string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new campaign run",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := engine.WorkspacesRoot()
			if err != nil {
				return err
			}
			cfg := &config.RunConfig{
				CampaignSlug:    campaign,
				MaxJobsPerRun:   maxJobs,
				DefaultOperator: defaultOp,
			}
			if simulation {
				cfg.ExecutionMode = "simulation"
			}
			eng, err := engine.InitializeRun(cmdContext(), engine.InitOptions{
				RunID:          runID,
				WorkspaceDir:   engine.WorkspaceDir(root, workspace),
				WorkspaceSlug:  workspace,
				Config:         cfg,
				OperatorsPath:  operatorsPath,
				ForceOperators: forceOperators,
				LegacyProfile:  profile,
			}, slog.Default())
			if err != nil {
				return err
			}
			defer eng.Close()
			fmt.Println(eng.Run.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace slug")
	cmd.Flags().StringVar(&campaign, "campaign", "", "Registered campaign slug")
	cmd.Flags().StringVar(&runID, "run-id", "", "Override the generated run id")
	cmd.Flags().StringVar(&operatorsPath, "operators", "", "Operator wiring file (highest precedence)")
	cmd.Flags().BoolVar(&forceOperators, "force-operators", false, "Replace a persisted wiring snapshot on conflict")
	cmd.Flags().StringVar(&profile, "profile", "", "Legacy site profile for wiring synthesis")
	cmd.Flags().BoolVar(&simulation, "simulation", false, "Mark tasks complete without dispatching")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Cap on concurrently active attempts (default 10)")
	cmd.Flags().StringVar(&defaultOp, "default-operator", "", "Operator key for tasks that specify none")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("campaign")
	return cmd
}

func newStepCmd() *cobra.Command {
	var maxTicks int

	cmd := &cobra.Command{
		Use:   "step <run-id>",
		Short: "Advance a run by one or more ticks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			lock := eng.Lock()
			if err := lock.TryLock(); err != nil {
				return err
			}
			defer lock.Unlock()

			ctx := cmdContext()
			for i := 0; i < maxTicks; i++ {
				status, err := eng.Step(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", status)
				if status.Terminal() {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxTicks, "max-ticks", 1, "Maximum ticks to execute")
	return cmd
}

func newLoopCmd() *cobra.Command {
	var (
		runID string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "loop [run-id]",
		Short: "Step runs until completion",
		Long: `With a run id, steps that run until it reaches a terminal status.
Without one, schedules every active run across all workspaces.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmdContext(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if len(args) == 1 {
				runID = args[0]
			}
			if runID != "" {
				eng, err := openEngine(runID)
				if err != nil {
					return err
				}
				defer eng.Close()
				status, err := eng.RunUntilCompletion(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", status)
				return nil
			}

			root, err := engine.WorkspacesRoot()
			if err != nil {
				return err
			}
			sched := &engine.Scheduler{Root: root, Logger: slog.Default(), Watch: watch}
			return sched.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep scheduling even when no runs are active")
	return cmd
}

func newSelfTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-test",
		Short: "Run built-in engine diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, res := range engine.SelfTest(cmdContext(), slog.Default()) {
				mark := "ok"
				if !res.OK() {
					mark = "FAIL: " + res.Err.Error()
					failed++
				}
				fmt.Printf("%-32s %s\n", res.Check, mark)
			}
			if failed > 0 {
				return fmt.Errorf("%d diagnostic check(s) failed", failed)
			}
			return nil
		},
	}
}
