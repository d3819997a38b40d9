// Package ecs wraps the ECS calls needed to inspect and scale one service.
package ecs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

var (
	// ErrServiceNotFound means the cluster exists but has no such service.
	ErrServiceNotFound = errors.New("ecs: service not found")
	// ErrClusterNotFound means the cluster itself does not exist.
	ErrClusterNotFound = errors.New("ecs: cluster not found")
)

type ecsAPI interface {
	DescribeServices(ctx context.Context, params *awsecs.DescribeServicesInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, params *awsecs.UpdateServiceInput, optFns ...func(*awsecs.Options)) (*awsecs.UpdateServiceOutput, error)
}

// Service is the subset of service state the shutdown flow reads.
type Service struct {
	Name         string
	Status       string
	DesiredCount int32
	RunningCount int32
}

type Client struct {
	api ecsAPI
}

func New(api ecsAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("ecs: api must not be nil")
	}
	return &Client{api: api}, nil
}

// DescribeService returns the named service. A service ECS reports as
// missing yields ErrServiceNotFound.
func (c *Client) DescribeService(ctx context.Context, cluster, service string) (Service, error) {
	out, err := c.api.DescribeServices(ctx, &awsecs.DescribeServicesInput{
		Cluster:  aws.String(strings.TrimSpace(cluster)),
		Services: []string{strings.TrimSpace(service)},
	})
	if err != nil {
		return Service{}, fmt.Errorf("ecs: describe service %s: %w", service, translate(err))
	}
	if out == nil || len(out.Services) == 0 {
		return Service{}, fmt.Errorf("%w: %s in cluster %s", ErrServiceNotFound, service, cluster)
	}
	svc := out.Services[0]
	return Service{
		Name:         aws.ToString(svc.ServiceName),
		Status:       aws.ToString(svc.Status),
		DesiredCount: svc.DesiredCount,
		RunningCount: svc.RunningCount,
	}, nil
}

// ScaleService sets the desired task count.
func (c *Client) ScaleService(ctx context.Context, cluster, service string, desired int32) error {
	_, err := c.api.UpdateService(ctx, &awsecs.UpdateServiceInput{
		Cluster:      aws.String(strings.TrimSpace(cluster)),
		Service:      aws.String(strings.TrimSpace(service)),
		DesiredCount: aws.Int32(desired),
	})
	if err != nil {
		return fmt.Errorf("ecs: update service %s: %w", service, translate(err))
	}
	return nil
}

// translate keeps the SDK error in the chain and adds the package sentinel
// for the two not-found conditions.
func translate(err error) error {
	var svcErr *types.ServiceNotFoundException
	if errors.As(err, &svcErr) {
		return errors.Join(ErrServiceNotFound, err)
	}
	var clusterErr *types.ClusterNotFoundException
	if errors.As(err, &clusterErr) {
		return errors.Join(ErrClusterNotFound, err)
	}
	return err
}
