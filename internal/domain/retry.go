package domain

import "time"

// RetryJobStatus is the state of a scheduled channel retry.
type RetryJobStatus string

const (
	RetryJobPending   RetryJobStatus = "pending"
	RetryJobRunning   RetryJobStatus = "running"
	RetryJobDone      RetryJobStatus = "done"
	RetryJobCancelled RetryJobStatus = "cancelled"
)

func (s RetryJobStatus) String() string { return string(s) }

// RetryJob is a durable request to re-run one channel of a notification.
type RetryJob struct {
	ID             string
	NotificationID string
	Channel        Channel
	AttemptNumber  int
	NextAttemptAt  time.Time
	Status         RetryJobStatus
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeadLetter records a channel delivery that exhausted its retries.
type DeadLetter struct {
	ID             string
	NotificationID string
	Channel        Channel
	Attempts       int
	FailureKind    ErrorKind
	FailureReason  string
	CreatedAt      time.Time
	ReprocessedAt  *time.Time
}

// StatusTransition is the audit record of one notification status change.
type StatusTransition struct {
	ID             string
	NotificationID string
	From           Status
	To             Status
	Reason         string
	CreatedAt      time.Time
}
