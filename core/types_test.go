package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidSubTaskTransition(t *testing.T) {
	legal := []struct{ from, to SubTaskStatus }{
		{SubTaskPending, SubTaskAssigned},
		{SubTaskPending, SubTaskCancelled},
		{SubTaskAssigned, SubTaskProcessing},
		{SubTaskAssigned, SubTaskFailed},
		{SubTaskAssigned, SubTaskCancelled},
		{SubTaskProcessing, SubTaskCompleted},
		{SubTaskProcessing, SubTaskFailed},
		{SubTaskProcessing, SubTaskCancelled},
		{SubTaskFailed, SubTaskPending}, // retry edge
	}
	for _, e := range legal {
		assert.True(t, ValidSubTaskTransition(e.from, e.to), "%s -> %s should be legal", e.from, e.to)
	}

	illegal := []struct{ from, to SubTaskStatus }{
		{SubTaskPending, SubTaskProcessing},
		{SubTaskPending, SubTaskCompleted},
		{SubTaskCompleted, SubTaskPending},
		{SubTaskCompleted, SubTaskFailed},
		{SubTaskCancelled, SubTaskPending},
		{SubTaskFailed, SubTaskCompleted},
		{SubTaskFailed, SubTaskProcessing},
	}
	for _, e := range illegal {
		assert.False(t, ValidSubTaskTransition(e.from, e.to), "%s -> %s should be illegal", e.from, e.to)
	}
}

func tasksWith(statuses ...SubTaskStatus) []*PlatformTask {
	tasks := make([]*PlatformTask, 0, len(statuses))
	for i, s := range statuses {
		tasks = append(tasks, &PlatformTask{
			JobID:    "job-1",
			Platform: Platform([]string{"linkedin", "indeed", "google"}[i%3]),
			Status:   s,
		})
	}
	return tasks
}

func TestAggregateJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []SubTaskStatus
		want     JobStatus
	}{
		{"all pending", []SubTaskStatus{SubTaskPending, SubTaskPending}, JobStatusQueued},
		{"one processing", []SubTaskStatus{SubTaskPending, SubTaskProcessing}, JobStatusProcessing},
		{"one assigned", []SubTaskStatus{SubTaskAssigned, SubTaskPending}, JobStatusProcessing},
		{"mixed terminal with completed", []SubTaskStatus{SubTaskCompleted, SubTaskFailed}, JobStatusCompleted},
		{"all completed", []SubTaskStatus{SubTaskCompleted, SubTaskCompleted}, JobStatusCompleted},
		{"all failed", []SubTaskStatus{SubTaskFailed, SubTaskFailed}, JobStatusFailed},
		{"failed and cancelled", []SubTaskStatus{SubTaskFailed, SubTaskCancelled}, JobStatusFailed},
		{"all cancelled", []SubTaskStatus{SubTaskCancelled, SubTaskCancelled}, JobStatusCancelled},
		{"terminal mix waiting on pending retry", []SubTaskStatus{SubTaskFailed, SubTaskPending}, JobStatusQueued},
		{"completed plus in-flight", []SubTaskStatus{SubTaskCompleted, SubTaskProcessing}, JobStatusProcessing},
		{"no tasks", nil, JobStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateJobStatus(tasksWith(tt.statuses...)))
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusRollingBack.IsTerminal())
}

func TestPriorityValid(t *testing.T) {
	assert.False(t, Priority(0).Valid())
	assert.True(t, PriorityLowest.Valid())
	assert.True(t, PriorityUrgent.Valid())
	assert.False(t, Priority(6).Valid())
}

func TestQualityLevelFor(t *testing.T) {
	assert.Equal(t, QualityExcellent, QualityLevelFor(0.96))
	assert.Equal(t, QualityExcellent, QualityLevelFor(0.95))
	assert.Equal(t, QualityGood, QualityLevelFor(0.85))
	assert.Equal(t, QualityFair, QualityLevelFor(0.70))
	assert.Equal(t, QualityPoor, QualityLevelFor(0.50))
	assert.Equal(t, QualityCritical, QualityLevelFor(0.49))
}

func TestChannelsForSeverity(t *testing.T) {
	assert.Equal(t,
		[]NotificationChannel{ChannelEmail, ChannelSlack, ChannelWebhook, ChannelLog},
		ChannelsForSeverity(SeverityCritical))
	assert.Equal(t,
		[]NotificationChannel{ChannelEmail, ChannelSlack, ChannelLog},
		ChannelsForSeverity(SeverityHigh))
	assert.Equal(t,
		[]NotificationChannel{ChannelEmail, ChannelLog},
		ChannelsForSeverity(SeverityMedium))
	assert.Equal(t,
		[]NotificationChannel{ChannelLog},
		ChannelsForSeverity(SeverityLow))
}

func TestPlatformHealthIsHealthy(t *testing.T) {
	now := time.Now()
	stale := now.Add(-10 * time.Minute)

	h := &PlatformHealth{Platform: PlatformLinkedIn, Capacity: 5}
	assert.True(t, h.IsHealthy(3, 5*time.Minute), "untouched platform should be healthy")

	h.ConsecutiveFailures = 3
	assert.False(t, h.IsHealthy(3, 5*time.Minute), "threshold reached")

	h.ConsecutiveFailures = 1
	h.LastSuccess = &now
	assert.True(t, h.IsHealthy(3, 5*time.Minute))

	h.LastSuccess = &stale
	assert.False(t, h.IsHealthy(3, 5*time.Minute), "last success outside recovery window")
}
