package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"deep-research-agent/internal/integrations/ecs"
)

type fakeScaler struct {
	svc         ecs.Service
	describeErr error
	scaleErr    error
	scaled      []int32
}

func (f *fakeScaler) DescribeService(_ context.Context, _, _ string) (ecs.Service, error) {
	return f.svc, f.describeErr
}

func (f *fakeScaler) ScaleService(_ context.Context, _, _ string, desired int32) error {
	f.scaled = append(f.scaled, desired)
	return f.scaleErr
}

type published struct {
	subject string
	message string
}

type fakeNotifier struct {
	sent []published
	err  error
}

func (f *fakeNotifier) Publish(_ context.Context, subject, message string) (string, error) {
	f.sent = append(f.sent, published{subject: subject, message: message})
	if f.err != nil {
		return "", f.err
	}
	return "msg-1", nil
}

func newShutdown(t *testing.T, scaler ServiceScaler, notifier Notifier) *ShutdownService {
	t.Helper()
	svc, err := NewShutdownService(scaler, notifier, "deep-research-cluster", "deep-research-service")
	require.NoError(t, err)
	return svc
}

func TestNewShutdownService_Validates(t *testing.T) {
	_, err := NewShutdownService(nil, nil, "c", "s")
	require.Error(t, err)

	_, err = NewShutdownService(&fakeScaler{}, nil, " ", "s")
	require.Error(t, err)

	svc, err := NewShutdownService(&fakeScaler{}, nil, " c ", "s")
	require.NoError(t, err)
	require.Equal(t, "c", svc.Cluster())
	require.Equal(t, "s", svc.Service())
}

func TestShutdown_ScalesToZeroAndNotifies(t *testing.T) {
	scaler := &fakeScaler{svc: ecs.Service{DesiredCount: 2}}
	notifier := &fakeNotifier{}
	svc := newShutdown(t, scaler, notifier)

	out, err := svc.Shutdown(context.Background(), "Budget threshold exceeded: 90% of $20.00 monthly budget")
	require.NoError(t, err)
	require.Equal(t, ShutdownOutput{
		Cluster:       "deep-research-cluster",
		Service:       "deep-research-service",
		PreviousCount: 2,
	}, out)
	require.Equal(t, []int32{0}, scaler.scaled)

	require.Len(t, notifier.sent, 1)
	require.Equal(t, "Deep Research Agent - Budget Shutdown", notifier.sent[0].subject)
	msg := notifier.sent[0].message
	require.Contains(t, msg, "- Previous Task Count: 2")
	require.Contains(t, msg, "- Reason: Budget threshold exceeded: 90% of $20.00 monthly budget")
	require.Contains(t, msg, "aws ecs update-service --cluster deep-research-cluster --service deep-research-service --desired-count 1")
}

func TestShutdown_AlreadyZeroIsNoop(t *testing.T) {
	scaler := &fakeScaler{svc: ecs.Service{DesiredCount: 0}}
	notifier := &fakeNotifier{}
	svc := newShutdown(t, scaler, notifier)

	out, err := svc.Shutdown(context.Background(), "")
	require.NoError(t, err)
	require.True(t, out.AlreadyStopped)
	require.Empty(t, scaler.scaled)
	require.Empty(t, notifier.sent)
}

func TestShutdown_NotFound(t *testing.T) {
	notifier := &fakeNotifier{}

	svc := newShutdown(t, &fakeScaler{describeErr: fmt.Errorf("%w: x", ecs.ErrServiceNotFound)}, notifier)
	_, err := svc.Shutdown(context.Background(), "")
	expectResearchError(t, err, ErrorNotFound, "service_not_found")

	svc = newShutdown(t, &fakeScaler{describeErr: errors.Join(ecs.ErrClusterNotFound, errors.New("sdk"))}, notifier)
	_, err = svc.Shutdown(context.Background(), "")
	expectResearchError(t, err, ErrorNotFound, "cluster_not_found")

	scaler := &fakeScaler{svc: ecs.Service{DesiredCount: 1}, scaleErr: fmt.Errorf("%w: gone", ecs.ErrServiceNotFound)}
	svc = newShutdown(t, scaler, notifier)
	_, err = svc.Shutdown(context.Background(), "")
	expectResearchError(t, err, ErrorNotFound, "service_not_found")

	require.Empty(t, notifier.sent)
}

func TestShutdown_FailurePublishesOnce(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := newShutdown(t, &fakeScaler{svc: ecs.Service{DesiredCount: 1}, scaleErr: errors.New("access denied")}, notifier)

	_, err := svc.Shutdown(context.Background(), "")
	expectResearchError(t, err, ErrorInternal, "scale_failed")
	require.ErrorContains(t, err, "access denied")

	require.Len(t, notifier.sent, 1)
	require.Equal(t, "Deep Research Agent - Shutdown FAILED", notifier.sent[0].subject)
	require.Contains(t, notifier.sent[0].message, "Failed to shut down service: access denied")
}

func TestShutdown_FailureNotificationErrorIsSwallowed(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("sns down")}
	svc := newShutdown(t, &fakeScaler{describeErr: errors.New("throttled")}, notifier)

	_, err := svc.Shutdown(context.Background(), "")
	expectResearchError(t, err, ErrorInternal, "describe_failed")
	require.NotContains(t, err.Error(), "sns down")
	require.Len(t, notifier.sent, 1)
}

func TestShutdown_NotificationErrorAfterScaleIsLogged(t *testing.T) {
	scaler := &fakeScaler{svc: ecs.Service{DesiredCount: 3}}
	notifier := &fakeNotifier{err: errors.New("sns down")}
	svc := newShutdown(t, scaler, notifier)

	out, err := svc.Shutdown(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, int32(3), out.PreviousCount)
	require.Len(t, notifier.sent, 1)
}

func TestShutdown_WithoutNotifier(t *testing.T) {
	svc := newShutdown(t, &fakeScaler{describeErr: errors.New("throttled")}, nil)
	_, err := svc.Shutdown(context.Background(), "")
	expectResearchError(t, err, ErrorInternal, "describe_failed")
}
