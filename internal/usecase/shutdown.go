package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/integrations/ecs"
)

const (
	DefaultShutdownReason = "Budget threshold exceeded"

	subjectShutdown = "Deep Research Agent - Budget Shutdown"
	subjectFailed   = "Deep Research Agent - Shutdown FAILED"
)

type ServiceScaler interface {
	DescribeService(ctx context.Context, cluster, service string) (ecs.Service, error)
	ScaleService(ctx context.Context, cluster, service string, desired int32) error
}

type Notifier interface {
	Publish(ctx context.Context, subject, message string) (string, error)
}

// ShutdownService scales the research service to zero tasks when the
// budget alert fires.
type ShutdownService struct {
	scaler   ServiceScaler
	notifier Notifier
	cluster  string
	service  string
}

type ShutdownOutput struct {
	Cluster        string
	Service        string
	PreviousCount  int32
	NewCount       int32
	AlreadyStopped bool
}

// NewShutdownService builds the service. notifier may be nil when no topic
// is configured.
func NewShutdownService(scaler ServiceScaler, notifier Notifier, cluster, service string) (*ShutdownService, error) {
	if scaler == nil {
		return nil, errors.New("usecase: service scaler must not be nil")
	}
	cluster = strings.TrimSpace(cluster)
	service = strings.TrimSpace(service)
	if cluster == "" || service == "" {
		return nil, errors.New("usecase: cluster and service must not be empty")
	}
	return &ShutdownService{scaler: scaler, notifier: notifier, cluster: cluster, service: service}, nil
}

func (s *ShutdownService) Cluster() string { return s.cluster }
func (s *ShutdownService) Service() string { return s.service }

// Shutdown sets the desired count to zero. A service already at zero is
// left alone. Any failure other than a missing service or cluster triggers
// one failure notification.
func (s *ShutdownService) Shutdown(ctx context.Context, reason string) (ShutdownOutput, error) {
	logger := ctxlog.FromContext(ctx).With("cluster", s.cluster, "service", s.service)
	if strings.TrimSpace(reason) == "" {
		reason = DefaultShutdownReason
	}
	out := ShutdownOutput{Cluster: s.cluster, Service: s.service}

	svc, err := s.scaler.DescribeService(ctx, s.cluster, s.service)
	if err != nil {
		return out, s.fail(ctx, "describe_failed", err)
	}
	out.PreviousCount = svc.DesiredCount
	logger.Info("current desired count", "desired_count", svc.DesiredCount)

	if svc.DesiredCount == 0 {
		out.AlreadyStopped = true
		return out, nil
	}

	if err := s.scaler.ScaleService(ctx, s.cluster, s.service, 0); err != nil {
		return out, s.fail(ctx, "scale_failed", err)
	}
	logger.Info("service scaled to zero", "previous_count", svc.DesiredCount)

	if s.notifier != nil {
		if _, err := s.notifier.Publish(ctx, subjectShutdown, shutdownNotice(s.cluster, s.service, svc.DesiredCount, reason)); err != nil {
			logger.Error("shutdown notification failed", "error", err)
		}
	}
	return out, nil
}

func (s *ShutdownService) fail(ctx context.Context, reason string, err error) error {
	switch {
	case errors.Is(err, ecs.ErrServiceNotFound):
		return newError(ErrorNotFound, "service_not_found", err)
	case errors.Is(err, ecs.ErrClusterNotFound):
		return newError(ErrorNotFound, "cluster_not_found", err)
	}

	logger := ctxlog.FromContext(ctx)
	logger.Error("shutdown failed", "error", err)
	if s.notifier != nil {
		msg := fmt.Sprintf("Failed to shut down service: %v\n\nPlease manually stop the service to prevent further charges.", err)
		if _, pubErr := s.notifier.Publish(ctx, subjectFailed, msg); pubErr != nil {
			logger.Error("failure notification failed", "error", pubErr)
		}
	}
	return newError(ErrorInternal, reason, err)
}

func shutdownNotice(cluster, service string, previous int32, reason string) string {
	return strings.Join([]string{
		"BUDGET ALERT: Deep Research Agent Shutdown",
		"",
		"Your Deep Research Agent has been automatically shut down because your AWS",
		"spending has reached the budget threshold.",
		"",
		"Details:",
		"- Cluster: " + cluster,
		"- Service: " + service,
		fmt.Sprintf("- Previous Task Count: %d", previous),
		"- New Task Count: 0",
		"- Reason: " + reason,
		"",
		"To restart the service, run:",
		fmt.Sprintf("  aws ecs update-service --cluster %s --service %s --desired-count 1", cluster, service),
		"",
		"Or push a new commit to the main branch to trigger redeployment.",
		"",
		"---",
		"This is an automated message from your budget protection system.",
	}, "\n")
}
