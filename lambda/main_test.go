package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-gate/pkg/handler"
	"batch-gate/pkg/job"
	"batch-gate/pkg/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeService struct {
	mu        sync.Mutex
	submitted []job.SubmissionRequest
	updates   int
	updateErr error
}

func (f *fakeService) SubmitJob(ctx context.Context, req job.SubmissionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return "job-1", nil
}

func (f *fakeService) UpdateJobQueue(ctx context.Context, queue string, state job.QueueState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return f.updateErr
}

type fakePublisher struct {
	sent []notify.Notification
}

func (f *fakePublisher) Publish(ctx context.Context, n notify.Notification) error {
	f.sent = append(f.sent, n)
	return nil
}

func s3Record(bucket, key string) awsevents.S3EventRecord {
	return awsevents.S3EventRecord{
		EventTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		S3: awsevents.S3Entity{
			Bucket: awsevents.S3Bucket{Name: bucket},
			Object: awsevents.S3Object{Key: key},
		},
	}
}

func TestArrivalHandler(t *testing.T) {
	svc := &fakeService{}
	s := handler.NewSubmitter(svc, handler.SubmitterConfig{JobDefinition: "word-count:1", JobQueue: "ResearchQueue", OutputBucket: "out-bucket"}, discardLogger())
	h := arrivalHandler(s, discardLogger())

	err := h(context.Background(), awsevents.S3Event{Records: []awsevents.S3EventRecord{s3Record("in-bucket", "data+set/report.txt")}})
	require.NoError(t, err)
	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "data_set_report_txt", svc.submitted[0].JobName)
	v, _ := svc.submitted[0].Param(job.EnvInputObject)
	assert.Equal(t, "data set/report.txt", v)

	assert.NoError(t, h(context.Background(), awsevents.S3Event{}))
	assert.NoError(t, h(context.Background(), awsevents.S3Event{Records: []awsevents.S3EventRecord{s3Record("in-bucket", "")}}))
	assert.Len(t, svc.submitted, 1)
}

func TestBudgetHandler(t *testing.T) {
	event := awsevents.SNSEvent{Records: []awsevents.SNSEventRecord{{
		SNS: awsevents.SNSEntity{Message: "AWS Budget Notification: actual spend exceeded 95%", Timestamp: time.Now()},
	}}}

	svc := &fakeService{}
	a := handler.NewAdmissionController(svc, handler.AdmissionConfig{JobQueue: "ResearchQueue", Attempts: 1}, discardLogger())
	require.NoError(t, budgetHandler(a, discardLogger())(context.Background(), event))
	assert.Equal(t, 1, svc.updates)

	failing := &fakeService{updateErr: errors.New("throttled")}
	a = handler.NewAdmissionController(failing, handler.AdmissionConfig{JobQueue: "ResearchQueue", Attempts: 2, RetryDelay: time.Millisecond}, discardLogger())
	assert.Error(t, budgetHandler(a, discardLogger())(context.Background(), event))
	assert.Equal(t, 2, failing.updates)

	assert.NoError(t, budgetHandler(a, discardLogger())(context.Background(), awsevents.SNSEvent{}))
}

func TestCompletionHandler(t *testing.T) {
	pub := &fakePublisher{}
	h := completionHandler(handler.NewCompletionNotifier(pub, time.Second, discardLogger()), discardLogger())

	detail, err := json.Marshal(map[string]string{"jobId": "j-1", "jobName": "report_txt", "status": "SUCCEEDED"})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), awsevents.CloudWatchEvent{
		Source:     "aws.batch",
		DetailType: "Batch Job State Change",
		Detail:     detail,
	}))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "Job report_txt SUCCEEDED", pub.sent[0].Subject)

	assert.NoError(t, h(context.Background(), awsevents.CloudWatchEvent{DetailType: "Batch Job State Change", Detail: []byte(`{}`)}))
	assert.Len(t, pub.sent, 1)
}
