// Package events turns inbound payloads (S3 notifications, SNS budget alerts,
// Batch job state changes) into the domain types the handlers consume.
// Payloads may arrive wrapped in their AWS envelopes or as the plain JSON the
// self-hosted path publishes.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	awsevents "github.com/aws/aws-lambda-go/events"

	"batch-gate/pkg/job"
)

var ErrMalformed = errors.New("malformed event")

const (
	BatchSource          = "aws.batch"
	JobStateChangeDetail = "Batch Job State Change"
)

// ArrivalsFromS3 returns one notification per record. Object keys are URL
// decoded the way S3 encodes them in event payloads.
func ArrivalsFromS3(e awsevents.S3Event) ([]job.ArrivalNotification, error) {
	if len(e.Records) == 0 {
		return nil, fmt.Errorf("%w: s3 event has no records", ErrMalformed)
	}
	out := make([]job.ArrivalNotification, 0, len(e.Records))
	for _, r := range e.Records {
		received := r.EventTime
		if received.IsZero() {
			received = time.Now().UTC()
		}
		out = append(out, job.ArrivalNotification{
			Bucket:     r.S3.Bucket.Name,
			Key:        decodeKey(r.S3.Object.Key),
			ReceivedAt: received,
		})
	}
	return out, nil
}

func decodeKey(key string) string {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return key
	}
	return decoded
}

// DecodeArrivals accepts either an S3 event notification or a bare
// job.ArrivalNotification document.
func DecodeArrivals(body []byte) ([]job.ArrivalNotification, error) {
	var envelope struct {
		Records json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if envelope.Records != nil {
		var e awsevents.S3Event
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ArrivalsFromS3(e)
	}

	var n job.ArrivalNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now().UTC()
	}
	return []job.ArrivalNotification{n}, nil
}

var (
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	accountPattern = regexp.MustCompile(`\b(\d{12})\b`)
)

// BudgetAlert wraps an opaque alert message. Only emptiness is checked;
// threshold and account are scraped when present and are informational.
func BudgetAlert(message string, raisedAt time.Time) (job.BudgetAlert, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return job.BudgetAlert{}, fmt.Errorf("%w: empty budget alert", ErrMalformed)
	}
	if raisedAt.IsZero() {
		raisedAt = time.Now().UTC()
	}
	alert := job.BudgetAlert{Message: message, RaisedAt: raisedAt}
	if m := percentPattern.FindStringSubmatch(message); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			alert.ThresholdPercent = f
		}
	}
	if m := accountPattern.FindStringSubmatch(message); m != nil {
		alert.AccountScope = m[1]
	}
	return alert, nil
}

// BudgetAlertsFromSNS yields an alert per SNS record.
func BudgetAlertsFromSNS(e awsevents.SNSEvent) ([]job.BudgetAlert, error) {
	if len(e.Records) == 0 {
		return nil, fmt.Errorf("%w: sns event has no records", ErrMalformed)
	}
	out := make([]job.BudgetAlert, 0, len(e.Records))
	for _, r := range e.Records {
		a, err := BudgetAlert(r.SNS.Message, r.SNS.Timestamp)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DecodeBudgetAlert accepts a raw broker body: an SNS notification document
// is unwrapped, anything else is taken as the alert text.
func DecodeBudgetAlert(body []byte) (job.BudgetAlert, error) {
	var envelope struct {
		Type      string    `json:"Type"`
		Message   string    `json:"Message"`
		Timestamp time.Time `json:"Timestamp"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &envelope) == nil && envelope.Type == "Notification" {
		return BudgetAlert(envelope.Message, envelope.Timestamp)
	}
	return BudgetAlert(string(trimmed), time.Time{})
}

// batchJobDetail is the subset of the Batch state change detail we read.
type batchJobDetail struct {
	JobID        string `json:"jobId"`
	JobName      string `json:"jobName"`
	JobQueue     string `json:"jobQueue"`
	Status       string `json:"status"`
	StatusReason string `json:"statusReason"`
}

// CompletionFromCloudWatch maps a Batch job state change onto a
// CompletionEvent. Non-terminal statuses are returned as-is; filtering is the
// notifier's job.
func CompletionFromCloudWatch(e awsevents.CloudWatchEvent) (job.CompletionEvent, error) {
	if e.DetailType != "" && e.DetailType != JobStateChangeDetail {
		return job.CompletionEvent{}, fmt.Errorf("%w: unexpected detail-type %q", ErrMalformed, e.DetailType)
	}
	var d batchJobDetail
	if err := json.Unmarshal(e.Detail, &d); err != nil {
		return job.CompletionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if d.JobID == "" || d.Status == "" {
		return job.CompletionEvent{}, fmt.Errorf("%w: job state change without jobId or status", ErrMalformed)
	}
	return job.CompletionEvent{
		JobID:        d.JobID,
		JobName:      d.JobName,
		JobQueue:     d.JobQueue,
		Status:       job.Status(d.Status),
		StatusReason: d.StatusReason,
		Detail:       e.Detail,
	}, nil
}

// DecodeCompletion accepts an EventBridge job state change or a bare
// job.CompletionEvent document.
func DecodeCompletion(body []byte) (job.CompletionEvent, error) {
	var envelope struct {
		DetailType string `json:"detail-type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return job.CompletionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if envelope.DetailType != "" {
		var e awsevents.CloudWatchEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return job.CompletionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return CompletionFromCloudWatch(e)
	}

	var ev job.CompletionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return job.CompletionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.JobID == "" || ev.Status == "" {
		return job.CompletionEvent{}, fmt.Errorf("%w: job state change without job_id or status", ErrMalformed)
	}
	return ev, nil
}
