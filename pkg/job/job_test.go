package job

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "allowed charset untouched", key: "Run_01-final", want: "Run_01-final"},
		{name: "dot replaced", key: "report.txt", want: "report_txt"},
		{name: "spaces parens and slash", key: "data set (v2)/file.csv", want: "data_set__v2__file_csv"},
		{name: "multibyte is one underscore", key: "café.txt", want: "caf__txt"},
		{name: "empty", key: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.key))
		})
	}
}

func TestSanitizeName_Truncates(t *testing.T) {
	t.Parallel()

	key := strings.Repeat("a/", 100)
	got := SanitizeName(key)
	require.Len(t, got, MaxNameLength)
	assert.Equal(t, strings.Repeat("a_", 63)+"a", got)
}

func TestSanitizeName_OnlyAllowedCharacters(t *testing.T) {
	t.Parallel()

	key := "!\"#$%&'()*+,./:;<=>?@[\\]^`{|}~ \tü漢" + strings.Repeat("x", 300)
	got := SanitizeName(key)
	assert.LessOrEqual(t, len(got), MaxNameLength)
	for _, r := range got {
		assert.True(t, isNameChar(r), "unexpected %q in %q", r, got)
	}
}

func TestNewSubmissionRequest(t *testing.T) {
	t.Parallel()

	req := NewSubmissionRequest(ArrivalNotification{Bucket: "in-bucket", Key: "report.txt"}, "jobdef:1", "research-queue", "out-bucket")

	assert.Equal(t, "report_txt", req.JobName)
	assert.Equal(t, "jobdef:1", req.JobDefinition)
	assert.Equal(t, "research-queue", req.JobQueue)
	assert.Equal(t, 3, req.RetryPolicy.MaxAttempts)
	assert.Equal(t, []Parameter{
		{Name: EnvInputObject, Value: "report.txt"},
		{Name: EnvInputBucket, Value: "in-bucket"},
		{Name: EnvOutputBucket, Value: "out-bucket"},
	}, req.Parameters)

	v, ok := req.Param(EnvOutputBucket)
	require.True(t, ok)
	assert.Equal(t, "out-bucket", v)
	_, ok = req.Param("MISSING")
	assert.False(t, ok)
}

func TestArrivalNotification_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, ArrivalNotification{Bucket: "b", Key: "k"}.Validate())

	err := ArrivalNotification{Bucket: "b"}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArrival))

	err = ArrivalNotification{Key: "k"}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidArrival))
}

func TestStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusSucceeded, StatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusSubmitted, StatusPending, StatusRunnable, StatusStarting, StatusRunning, Status("")} {
		assert.False(t, s.IsTerminal(), s)
	}
}
