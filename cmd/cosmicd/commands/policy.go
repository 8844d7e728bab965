package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cosmicstack/cosmic/pkg/engine"
	"github.com/cosmicstack/cosmic/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and try admission policies",
		Long: `Admission policies are Rego modules evaluated before a job is created or a
join is recorded. Violations of severity error or critical refuse the
request; weaker ones are logged.

Policies come from the builtin set and from the files under policy.paths in
the node configuration.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

// policyEngine builds the engine from the node configuration without
// opening the store.
func policyEngine(ctx context.Context) (*policy.Engine, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pe, err := cfg.PolicyEngine(ctx, log.Logger)
	if err != nil {
		return nil, err
	}
	if pe == nil {
		return nil, errors.New("policies are disabled in the configuration")
	}
	return pe, nil
}

type policySummary struct {
	Name        string          `json:"name"`
	Severity    policy.Severity `json:"severity"`
	Enabled     bool            `json:"enabled"`
	Builtin     bool            `json:"builtin"`
	Tags        []string        `json:"tags,omitempty"`
	Source      string          `json:"source,omitempty"`
	Description string          `json:"description,omitempty"`
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := policyEngine(cmd.Context())
			if err != nil {
				return err
			}

			policies := pe.ListPolicies()
			out := make([]policySummary, 0, len(policies))
			for _, p := range policies {
				out = append(out, policySummary{
					Name:        p.Name,
					Severity:    p.Severity,
					Enabled:     p.Enabled,
					Builtin:     p.Builtin,
					Tags:        p.Tags,
					Source:      p.Source,
					Description: p.Description,
				})
			}
			return printOutput(cmd, out)
		},
	}
}

func newPolicyShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print the Rego source of a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := policyEngine(cmd.Context())
			if err != nil {
				return err
			}
			p, err := pe.GetPolicy(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), p.Rego)
			return err
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate policies against a request without recording it",
		Long: `Evaluate the installed policies against a job or join request and print
the result. The command fails when the request would be refused.`,
	}

	var job engine.CreateJobRequest
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Check a job creation request",
		Example: `  cosmicd policy check job --cmd vm.start`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if job.OwnerNodeID == "" {
				job.OwnerNodeID = nodeID
			}
			return runPolicyCheck(cmd, policy.JobCreateInput(job))
		},
	}
	jobCmd.Flags().StringVar(&job.Cmd, "cmd", "", "operation the job performs")
	jobCmd.Flags().StringVar(&job.CmdInfo, "info", "", "opaque operation payload")
	jobCmd.Flags().StringVar(&job.OwnerNodeID, "owner", "", "owning node")
	jobCmd.Flags().StringVar(&job.Dispatcher, "dispatcher", "", "wakeup dispatcher")
	jobCmd.Flags().StringVar(&job.WakeupHandler, "handler", "", "wakeup handler")

	var join engine.JoinRequest
	joinCmd := &cobra.Command{
		Use:   "join <job-id> <join-job-id>",
		Short: "Check a join request",
		Example: `  cosmicd policy check join job-1 job-2 --timeout 720h`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			join.JobID, join.JoinJobID = args[0], args[1]
			if join.JoinNodeID == "" {
				join.JoinNodeID = nodeID
			}
			return runPolicyCheck(cmd, policy.JoinCreateInput(join))
		},
	}
	joinCmd.Flags().DurationVar(&join.WakeupInterval, "interval", 0, "wakeup interval")
	joinCmd.Flags().DurationVar(&join.Timeout, "timeout", time.Hour, "join timeout (0 for none)")
	joinCmd.Flags().StringVar(&join.SyncSourceID, "sync-source", "", "sync source group")
	joinCmd.Flags().StringVar(&join.Dispatcher, "dispatcher", "", "wakeup dispatcher")
	joinCmd.Flags().StringVar(&join.WakeupHandler, "handler", "", "wakeup handler")

	cmd.AddCommand(jobCmd, joinCmd)
	return cmd
}

func runPolicyCheck(cmd *cobra.Command, input policy.Input) error {
	pe, err := policyEngine(cmd.Context())
	if err != nil {
		return err
	}

	result, err := pe.Evaluate(cmd.Context(), input)
	if err != nil {
		return err
	}
	if err := printOutput(cmd, result); err != nil {
		return err
	}
	if !result.Allowed {
		return fmt.Errorf("%s refused by %d violation(s)", input.Operation, len(result.Violations))
	}
	return nil
}
