// Package awsbatch adapts the AWS Batch API to the handler interfaces.
package awsbatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"

	"batch-gate/pkg/job"
)

var ErrQueueNotFound = errors.New("job queue not found")

// API is the subset of the Batch client used here.
type API interface {
	SubmitJob(ctx context.Context, in *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	UpdateJobQueue(ctx context.Context, in *batch.UpdateJobQueueInput, optFns ...func(*batch.Options)) (*batch.UpdateJobQueueOutput, error)
	DescribeJobQueues(ctx context.Context, in *batch.DescribeJobQueuesInput, optFns ...func(*batch.Options)) (*batch.DescribeJobQueuesOutput, error)
}

type Client struct {
	api API
}

func New(api API) *Client {
	return &Client{api: api}
}

// SubmitJob submits req. A disabled queue surfaces as the service's error.
func (c *Client) SubmitJob(ctx context.Context, req job.SubmissionRequest) (string, error) {
	env := make([]types.KeyValuePair, 0, len(req.Parameters))
	for _, p := range req.Parameters {
		env = append(env, types.KeyValuePair{Name: aws.String(p.Name), Value: aws.String(p.Value)})
	}
	in := &batch.SubmitJobInput{
		JobName:       aws.String(req.JobName),
		JobQueue:      aws.String(req.JobQueue),
		JobDefinition: aws.String(req.JobDefinition),
		RetryStrategy: &types.RetryStrategy{Attempts: aws.Int32(int32(req.RetryPolicy.MaxAttempts))},
		ContainerOverrides: &types.ContainerOverrides{
			Environment: env,
		},
	}
	out, err := c.api.SubmitJob(ctx, in)
	if err != nil {
		return "", fmt.Errorf("batch submit %s to %s: %w", req.JobName, req.JobQueue, err)
	}
	return aws.ToString(out.JobId), nil
}

func (c *Client) UpdateJobQueue(ctx context.Context, queue string, state job.QueueState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid queue state %q", state)
	}
	_, err := c.api.UpdateJobQueue(ctx, &batch.UpdateJobQueueInput{
		JobQueue: aws.String(queue),
		State:    types.JQState(state),
	})
	if err != nil {
		return fmt.Errorf("batch update queue %s to %s: %w", queue, state, err)
	}
	return nil
}

// GetJobQueue reports the current state of queue.
func (c *Client) GetJobQueue(ctx context.Context, queue string) (job.Queue, error) {
	out, err := c.api.DescribeJobQueues(ctx, &batch.DescribeJobQueuesInput{JobQueues: []string{queue}})
	if err != nil {
		return job.Queue{}, fmt.Errorf("batch describe queue %s: %w", queue, err)
	}
	if len(out.JobQueues) == 0 {
		return job.Queue{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}
	d := out.JobQueues[0]
	return job.Queue{Name: aws.ToString(d.JobQueueName), State: job.QueueState(d.State)}, nil
}
