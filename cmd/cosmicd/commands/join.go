package commands

import (
	"fmt"
	"time"

	"github.com/cosmicstack/cosmic/pkg/engine"
	"github.com/cosmicstack/cosmic/pkg/stores"
	"github.com/spf13/cobra"
)

func newJoinCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Make jobs wait for other jobs",
		Long: `Commands for the join map.

A join makes a waiting job depend on a joined job. The wake scheduler calls
the waiting job's handler once the joined job finishes or the join times
out, then removes the join.`,
	}

	cmd.AddCommand(newJoinAddCommand())
	cmd.AddCommand(newJoinRemoveCommand())
	cmd.AddCommand(newJoinListCommand())
	cmd.AddCommand(newJoinWakeCommand())

	return cmd
}

func newJoinAddCommand() *cobra.Command {
	var req engine.JoinRequest

	cmd := &cobra.Command{
		Use:   "add <job-id> <join-job-id>",
		Short: "Make a job wait for another job",
		Example: `  # Wait up to an hour, re-checking every 30 seconds
  cosmicd join add $PARENT $CHILD --timeout 1h --interval 30s

  # Wakeups sharing a sync source run in the order they were joined
  cosmicd join add $PARENT $CHILD --sync-source volume-7`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			req.JobID = args[0]
			req.JoinJobID = args[1]
			req.JoinNodeID = a.cfg.Node.ID

			join, err := a.joins.JoinJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printOutput(cmd, join)
		},
	}

	cmd.Flags().DurationVar(&req.WakeupInterval, "interval", 0, "how often to re-check the joined job (0 checks every cycle)")
	cmd.Flags().DurationVar(&req.Timeout, "timeout", 0, "deadline from now (0 never times out)")
	cmd.Flags().StringVar(&req.SyncSourceID, "sync-source", "", "serialize wakeups sharing this id")
	cmd.Flags().StringVar(&req.Dispatcher, "dispatcher", "", "wakeup dispatcher (defaults to the waiting job's)")
	cmd.Flags().StringVar(&req.WakeupHandler, "handler", "", "wakeup handler (defaults to the waiting job's)")

	return cmd
}

func newJoinRemoveCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "remove <job-id> [join-job-id]",
		Short: "Stop a job waiting on another job",
		Example: `  cosmicd join remove $PARENT $CHILD
  cosmicd join remove $PARENT --all`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 2) {
				return fmt.Errorf("give either a join job id or --all")
			}

			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				n, err := a.joins.DisjoinAllJobs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printOutput(cmd, map[string]interface{}{"job_id": args[0], "removed": n})
			}

			if err := a.joins.DisjoinJob(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return printOutput(cmd, map[string]interface{}{"job_id": args[0], "join_job_id": args[1], "removed": 1})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "remove every join of the job")

	return cmd
}

func newJoinListCommand() *cobra.Command {
	var (
		waiters bool
		due     bool
		within  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list [job-id]",
		Short: "List joins",
		Long: `List the joins a job waits on, or with --waiters the joins waiting on it.

With --due, list the ids of waiting jobs with an unresolved join whose
deadline falls within --within from now.`,
		Example: `  cosmicd join list $PARENT
  cosmicd join list $CHILD --waiters
  cosmicd join list --due --within 5m`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if due == (len(args) == 1) {
				return fmt.Errorf("give either a job id or --due")
			}

			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if due {
				ids, err := a.joins.FindJobsToWakeBetween(cmd.Context(), time.Now().Add(within))
				if err != nil {
					return err
				}
				if ids == nil {
					ids = []string{}
				}
				return printOutput(cmd, ids)
			}

			var joins []*stores.Join
			if waiters {
				joins, err = a.joins.ListWaiters(cmd.Context(), args[0])
			} else {
				joins, err = a.joins.ListJoinRecords(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if joins == nil {
				joins = []*stores.Join{}
			}
			return printOutput(cmd, joins)
		},
	}

	cmd.Flags().BoolVar(&waiters, "waiters", false, "list joins waiting on the job instead")
	cmd.Flags().BoolVar(&due, "due", false, "list waiting jobs whose deadline is due")
	cmd.Flags().DurationVar(&within, "within", 0, "with --due, include deadlines up to this far ahead")

	return cmd
}

func newJoinWakeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Run one wake scheduler cycle on this node",
		Long: `Run a single scheduler cycle: reconcile polled joins, then dispatch
every resolved or expired join through its registered handler.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.scheduler.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd, report)
		},
	}
}
