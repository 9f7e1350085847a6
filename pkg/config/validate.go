package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Problem is one bad or missing environment variable.
type Problem struct {
	Env    string
	Reason string
}

func (p Problem) Error() string {
	return p.Env + ": " + p.Reason
}

// Problems lists everything wrong with a configuration for one role.
type Problems []Problem

func (ps Problems) Error() string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.Error()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Envs returns the offending variable names in report order.
func (ps Problems) Envs() []string {
	envs := make([]string, len(ps))
	for i, p := range ps {
		envs[i] = p.Env
	}
	return envs
}

// Role narrows validation to the settings a binary actually uses.
type Role int

const (
	RoleArrival Role = 1 << iota
	RoleBudget
	RoleCompletion
	RoleDelivery // dispatcher, publisher, simulator
	RoleAPI
	RoleRelay // outbox relay
)

const RoleAllHandlers = RoleArrival | RoleBudget | RoleCompletion

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Validate checks only the settings role needs and reports them all at
// once as Problems.
func Validate(cfg Config, role Role) error {
	errs := append(Problems(nil), cfg.parseErrors...)
	add := func(env, reason string) {
		errs = append(errs, Problem{Env: env, Reason: reason})
	}

	if role&(RoleArrival|RoleBudget|RoleAPI) != 0 && cfg.JobQueue == "" {
		add("JOBQUEUE", "required")
	}
	if role&RoleArrival != 0 {
		if cfg.JobDefinition == "" {
			add("JOBDEF", "required")
		}
		if cfg.OutputBucket == "" {
			add("OUTPUT_BUCKET", "required")
		}
	}

	switch cfg.ExecutionBackend {
	case BackendBatch:
	case BackendPostgres:
		if role&(RoleArrival|RoleBudget|RoleAPI) != 0 && cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when EXECUTION_BACKEND=postgres")
		}
	default:
		add("EXECUTION_BACKEND", fmt.Sprintf("unknown backend %q", cfg.ExecutionBackend))
	}

	if role&RoleCompletion != 0 {
		switch cfg.NotifyBackend {
		case NotifySNS:
			if cfg.NotificationTopic == "" {
				add("NOTIFICATION_TOPIC_ARN", "required when NOTIFY_BACKEND=sns")
			}
		case NotifyAMQP:
			if cfg.RabbitMQURL == "" {
				add("RABBITMQ_URL", "required when NOTIFY_BACKEND=amqp")
			}
		case NotifyRedis:
			if cfg.RedisAddr == "" {
				add("REDIS_ADDR", "required when NOTIFY_BACKEND=redis")
			}
		default:
			add("NOTIFY_BACKEND", fmt.Sprintf("unknown backend %q", cfg.NotifyBackend))
		}
	}

	if role&RoleDelivery != 0 && cfg.RabbitMQURL == "" {
		add("RABBITMQ_URL", "required")
	}
	if role&RoleRelay != 0 && cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required")
	}

	if cfg.NotificationEmail != "" && !emailPattern.MatchString(cfg.NotificationEmail) {
		add("NOTIFICATION_EMAIL", "not an email address")
	}
	if cfg.BudgetLimit < 0 {
		add("BUDGET_LIMIT", "must be >= 0")
	}
	if cfg.AlertRetryAttempts < 1 || cfg.AlertRetryAttempts > 3 {
		add("ALERT_RETRY_ATTEMPTS", "must be between 1 and 3")
	}
	if cfg.DispatcherConcurrency < 1 {
		add("DISPATCHER_CONCURRENCY", "must be positive")
	}

	d, err := time.ParseDuration(cfg.HandlerTimeoutStr)
	switch {
	case err != nil:
		add("HANDLER_TIMEOUT", fmt.Sprintf("invalid duration: %v", err))
	case d <= 0:
		add("HANDLER_TIMEOUT", "must be positive")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
