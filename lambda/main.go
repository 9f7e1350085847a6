package main

import (
	"context"
	"log/slog"
	"os"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"batch-gate/pkg/bootstrap"
	"batch-gate/pkg/config"
	"batch-gate/pkg/events"
	"batch-gate/pkg/handler"
	"batch-gate/pkg/observability"
)

var roles = map[string]config.Role{
	handler.NameArrival:    config.RoleArrival,
	handler.NameBudget:     config.RoleBudget,
	handler.NameCompletion: config.RoleCompletion,
}

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	role, ok := roles[cfg.Handler]
	if !ok {
		logger.Error("unknown HANDLER", "handler", cfg.Handler)
		os.Exit(1)
	}
	if err := config.Validate(cfg, role); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if masked, err := cfg.MaskedJSON(); err == nil {
		logger.Debug("configuration loaded", "config", string(masked))
	}

	ctx := context.Background()
	switch cfg.Handler {
	case handler.NameArrival:
		svc, _, err := bootstrap.NewJobService(ctx, cfg)
		if err != nil {
			logger.Error("failed to connect execution service", "error", err)
			os.Exit(1)
		}
		lambda.Start(arrivalHandler(bootstrap.NewSubmitter(cfg, svc, logger), logger))
	case handler.NameBudget:
		svc, _, err := bootstrap.NewJobService(ctx, cfg)
		if err != nil {
			logger.Error("failed to connect execution service", "error", err)
			os.Exit(1)
		}
		lambda.Start(budgetHandler(bootstrap.NewAdmissionController(cfg, svc, logger), logger))
	case handler.NameCompletion:
		pub, _, err := bootstrap.NewPublisher(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to connect notification backend", "error", err)
			os.Exit(1)
		}
		lambda.Start(completionHandler(bootstrap.NewCompletionNotifier(cfg, pub, logger), logger))
	}
}

// arrivalHandler never fails the invocation: malformed events and failed
// submissions are logged and the runtime does not retry them.
func arrivalHandler(s *handler.Submitter, logger *slog.Logger) func(context.Context, awsevents.S3Event) error {
	return func(ctx context.Context, e awsevents.S3Event) error {
		arrivals, err := events.ArrivalsFromS3(e)
		if err != nil {
			logger.Error("dropping malformed s3 event", "error", err)
			return nil
		}
		for _, n := range arrivals {
			// errors are logged by the submitter
			_, _ = s.OnArrival(ctx, n)
		}
		return nil
	}
}

// budgetHandler returns the disable error so the runtime retries the alert.
func budgetHandler(a *handler.AdmissionController, logger *slog.Logger) func(context.Context, awsevents.SNSEvent) error {
	return func(ctx context.Context, e awsevents.SNSEvent) error {
		alerts, err := events.BudgetAlertsFromSNS(e)
		if err != nil {
			logger.Error("dropping malformed budget alert", "error", err)
			return nil
		}
		for _, alert := range alerts {
			if err := a.OnBudgetAlert(ctx, alert); err != nil {
				return err
			}
		}
		return nil
	}
}

func completionHandler(n *handler.CompletionNotifier, logger *slog.Logger) func(context.Context, awsevents.CloudWatchEvent) error {
	return func(ctx context.Context, e awsevents.CloudWatchEvent) error {
		ev, err := events.CompletionFromCloudWatch(e)
		if err != nil {
			logger.Error("dropping malformed job state change", "error", err)
			return nil
		}
		n.OnJobStateChange(ctx, ev)
		return nil
	}
}
