package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt-riley/covercheck/internal/core"
	"github.com/matt-riley/covercheck/internal/logging"
	"github.com/matt-riley/covercheck/internal/repository"
	"github.com/matt-riley/covercheck/internal/service"
)

// errNotEligible makes the check command exit with status 2 after printing
// a not-eligible decision.
var errNotEligible = errors.New("not eligible")

type eligibilityChecker interface {
	CheckEligibility(ctx context.Context, req service.CheckRequest, actor core.Actor, client core.ClientInfo) core.Decision
}

type checkOutput struct {
	Decision  core.Decision   `json:"decision"`
	CostShare *core.CostShare `json:"cost_share,omitempty"`
}

func newCheckCmd(root *rootOptions) *cobra.Command {
	var (
		req    service.CheckRequest
		amount int64
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one eligibility check and print the decision as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var billed *int64
			if cmd.Flags().Changed("amount") {
				if amount < 0 {
					return errors.New("--amount must be non-negative")
				}
				billed = &amount
			}

			cfg, err := root.load()
			if err != nil {
				return err
			}
			log := logging.New(cfg.LogLevel)

			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := service.New(repository.NewPostgresRepository(pool),
				service.WithLogger(log),
				service.WithEvaluationTimeout(cfg.EvaluationTimeout),
				service.WithAuditTimeout(cfg.AuditWriteTimeout),
				service.WithRuleSet(core.DefaultRuleSet(ruleSetOptions(cfg.ServiceNotCoveredSeverity))),
			)
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}

			return runCheck(cmd.Context(), svc, req, billed, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.MemberID, "member", "", "member id")
	flags.StringVar(&req.ProviderID, "provider", "", "provider id")
	flags.StringVar(&req.ServiceDate, "date", time.Now().UTC().Format(time.DateOnly), "service date (YYYY-MM-DD)")
	flags.StringVar(&req.ServiceCode, "service", "", "medical service code")
	flags.Int64Var(&amount, "amount", 0, "billed amount in minor units, previews the cost share")
	_ = cmd.MarkFlagRequired("member")

	return cmd
}

func runCheck(ctx context.Context, checker eligibilityChecker, req service.CheckRequest, amount *int64, w io.Writer) error {
	decision := checker.CheckEligibility(ctx, req, cliActor(), core.ClientInfo{UserAgent: "covercheck-cli/" + version})

	out := checkOutput{Decision: decision}
	if amount != nil && decision.Coverage != nil {
		share := decision.Coverage.Split(*amount)
		out.CostShare = &share
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write decision: %w", err)
	}

	if !decision.Eligible {
		return errNotEligible
	}
	return nil
}

// cliActor is a privileged operator identity; the OS user is recorded in
// the audit trail when known.
func cliActor() core.Actor {
	username := os.Getenv("USER")
	if username == "" {
		username = "cli"
	}
	return core.Actor{UserID: "cli", Username: username, Privileged: true}
}
