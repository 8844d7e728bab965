package commands

import (
	"fmt"

	"github.com/cosmicstack/cosmic/pkg/engine"
	"github.com/cosmicstack/cosmic/pkg/states"
	"github.com/cosmicstack/cosmic/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Record and inspect asynchronous jobs",
		Long: `Commands for the job table shared by every node.

A job starts out scheduled, may be marked in progress, and finishes as
succeeded, failed or cancelled. The first completion recorded wins.`,
	}

	cmd.AddCommand(newJobCreateCommand())
	cmd.AddCommand(newJobGetCommand())
	cmd.AddCommand(newJobListCommand())
	cmd.AddCommand(newJobStartCommand())
	cmd.AddCommand(newJobCompleteCommand())
	cmd.AddCommand(newJobCancelCommand())
	cmd.AddCommand(newJobReassignCommand())

	return cmd
}

func newJobCreateCommand() *cobra.Command {
	var req engine.CreateJobRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scheduled job",
		Example: `  # Record a job owned by this node
  cosmicd job create --cmd vm.start --info '{"vm":"web-1"}'

  # A job that is resumed by the built-in log handler after a join
  cosmicd job create --cmd vm.migrate --dispatcher cosmic --handler log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if req.OwnerNodeID == "" {
				req.OwnerNodeID = a.cfg.Node.ID
			}

			job, err := a.jobs.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printOutput(cmd, job)
		},
	}

	cmd.Flags().StringVar(&req.Cmd, "cmd", "", "operation the job performs")
	cmd.Flags().StringVar(&req.CmdInfo, "info", "", "opaque operation payload")
	cmd.Flags().StringVar(&req.OwnerNodeID, "owner", "", "owning node (defaults to this node)")
	cmd.Flags().StringVar(&req.Dispatcher, "dispatcher", "", "wakeup dispatcher")
	cmd.Flags().StringVar(&req.WakeupHandler, "handler", "", "wakeup handler")

	return cmd
}

func newJobGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.jobs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd, job)
		},
	}
}

func newJobListCommand() *cobra.Command {
	var (
		filter stores.JobFilter
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Example: `  # Jobs still running on node-2
  cosmicd job list --owner node-2 --status in_progress`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				s, err := states.ParseJobStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}

			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.jobs.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []*stores.Job{}
			}
			return printOutput(cmd, jobs)
		},
	}

	cmd.Flags().StringVar(&filter.OwnerNodeID, "owner", "", "only jobs owned by this node")
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum number of jobs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "jobs to skip")

	return cmd
}

func newJobStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <job-id>",
		Short: "Mark a scheduled job in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.jobs.MarkInProgress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd, job)
		},
	}
}

func newJobCompleteCommand() *cobra.Command {
	var (
		status string
		result string
	)

	cmd := &cobra.Command{
		Use:   "complete <job-id>",
		Short: "Record the outcome of a job",
		Long: `Record a terminal status for a job and resolve every join waiting on it.

Completing an already finished job leaves the first outcome in place.`,
		Example: `  cosmicd job complete 4f6c... --status succeeded --result '{"copied":true}'
  cosmicd job complete 4f6c... --status failed --result "disk full"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := states.ParseJobStatus(status)
			if err != nil {
				return err
			}
			if !s.IsTerminal() {
				return fmt.Errorf("status %s is not terminal", s)
			}

			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			var res *string
			if cmd.Flags().Changed("result") {
				res = &result
			}

			job, err := a.jobs.Complete(cmd.Context(), args[0], s, res, a.cfg.Node.ID)
			if err != nil {
				return err
			}
			return printOutput(cmd, job)
		},
	}

	cmd.Flags().StringVar(&status, "status", string(states.JobSucceeded), "terminal status (succeeded, failed, cancelled)")
	cmd.Flags().StringVar(&result, "result", "", "job result")

	return cmd
}

func newJobCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job and drop the joins it waits on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.jobs.Cancel(cmd.Context(), args[0], reason, a.cfg.Node.ID)
			if err != nil {
				return err
			}
			return printOutput(cmd, job)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason stored as the result")

	return cmd
}

func newJobReassignCommand() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "reassign",
		Short: "Hand the unfinished jobs of a dead node to another node",
		Example: `  cosmicd job reassign --from node-2 --to node-1`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if to == "" {
				to = a.cfg.Node.ID
			}

			n, err := a.jobs.ReassignOwner(cmd.Context(), from, to)
			if err != nil {
				return err
			}

			log.Info().Str("from", from).Str("to", to).Int64("jobs", n).Msg("Reassigned jobs")
			return printOutput(cmd, map[string]interface{}{"from": from, "to": to, "reassigned": n})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "node whose jobs are taken over")
	cmd.Flags().StringVar(&to, "to", "", "new owner (defaults to this node)")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}
