// Package dispatchjob holds the persisted dispatch job model and its store.
package dispatchjob

import "time"

// Job status values. Transitions: PENDING → QUEUED → IN_PROGRESS →
// {COMPLETED | ERROR}; ERROR → PENDING on retry; QUEUED/IN_PROGRESS →
// PENDING on recovery. CANCELLED is terminal from any state.
const (
	StatusPending    = "PENDING"
	StatusQueued     = "QUEUED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusError      = "ERROR"
	StatusCancelled  = "CANCELLED"
)

// Dispatch modes. BLOCK_ON_ERROR and NEXT_ON_ERROR are both withheld while
// their group carries ERROR jobs; IMMEDIATE always dispatches.
const (
	ModeImmediate    = "IMMEDIATE"
	ModeNextOnError  = "NEXT_ON_ERROR"
	ModeBlockOnError = "BLOCK_ON_ERROR"
)

// DefaultGroup is the sentinel applied wherever a job has no message group.
// It is applied uniformly at every boundary so map keys never diverge.
const DefaultGroup = "default"

// DefaultSequence orders jobs that carry no explicit sequence.
const DefaultSequence = 99

// DispatchJob is a persisted delivery order for one webhook call.
type DispatchJob struct {
	ID                 string            `bson:"_id" json:"id"`
	ExternalID         string            `bson:"externalId,omitempty" json:"externalId,omitempty"`
	Kind               string            `bson:"kind,omitempty" json:"kind,omitempty"`
	Code               string            `bson:"code,omitempty" json:"code,omitempty"`
	Subject            string            `bson:"subject,omitempty" json:"subject,omitempty"`
	EventID            string            `bson:"eventId,omitempty" json:"eventId,omitempty"`
	MessageGroup       string            `bson:"messageGroup,omitempty" json:"messageGroup,omitempty"`
	Sequence           int               `bson:"sequence" json:"sequence"`
	Mode               string            `bson:"mode" json:"mode"`
	Status             string            `bson:"status" json:"status"`
	DispatchPoolID     string            `bson:"dispatchPoolId,omitempty" json:"dispatchPoolId,omitempty"`
	DispatchPoolCode   string            `bson:"dispatchPoolCode,omitempty" json:"dispatchPoolCode,omitempty"`
	TargetURL          string            `bson:"targetUrl" json:"targetUrl"`
	Payload            string            `bson:"payload" json:"payload"`
	PayloadContentType string            `bson:"payloadContentType,omitempty" json:"payloadContentType,omitempty"`
	DataOnly           bool              `bson:"dataOnly" json:"dataOnly"`
	Headers            map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	TimeoutSeconds     int               `bson:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	MaxRetries         int               `bson:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	ServiceAccountID   string            `bson:"serviceAccountId,omitempty" json:"serviceAccountId,omitempty"`
	SubscriptionID     string            `bson:"subscriptionId,omitempty" json:"subscriptionId,omitempty"`
	ClientID           string            `bson:"clientId,omitempty" json:"clientId,omitempty"`
	Attempts           []DispatchAttempt `bson:"attempts,omitempty" json:"attempts,omitempty"`
	LastError          string            `bson:"lastError,omitempty" json:"lastError,omitempty"`
	CreatedAt          time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time         `bson:"updatedAt" json:"updatedAt"`
	QueuedAt           *time.Time        `bson:"queuedAt,omitempty" json:"queuedAt,omitempty"`
	CompletedAt        *time.Time        `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// DispatchAttempt is one entry in the append-only delivery history.
type DispatchAttempt struct {
	Number     int       `bson:"number" json:"number"`
	AttemptAt  time.Time `bson:"attemptAt" json:"attemptAt"`
	Outcome    string    `bson:"outcome" json:"outcome"`
	StatusCode int       `bson:"statusCode,omitempty" json:"statusCode,omitempty"`
	DurationMs int64     `bson:"durationMs" json:"durationMs"`
	Error      string    `bson:"error,omitempty" json:"error,omitempty"`
}

// GroupOrDefault returns the message group with the sentinel applied.
func (j *DispatchJob) GroupOrDefault() string {
	if j.MessageGroup == "" {
		return DefaultGroup
	}
	return j.MessageGroup
}

// PoolCodeOrDefault returns the routing pool code, falling back to the
// supplied default when the job names none.
func (j *DispatchJob) PoolCodeOrDefault(fallback string) string {
	if j.DispatchPoolCode == "" {
		return fallback
	}
	return j.DispatchPoolCode
}

// IsTerminal reports whether the job can no longer be dispatched.
func (j *DispatchJob) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusCancelled
}
