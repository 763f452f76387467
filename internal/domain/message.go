package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RawMessage is a scenario request as read from the intake topic.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	// Commit acknowledges the message. It is nil for sources without offsets.
	Commit func(ctx context.Context) error
}

// IntakeRequest is the body of an intake message.
type IntakeRequest struct {
	Kind    ReportKind      `json:"kind"`
	Request ScenarioRequest `json:"request"`
}

// JobEvent announces a job state to downstream consumers. One event is
// published when a job is accepted and one when it reaches a terminal status.
type JobEvent struct {
	JobID       uuid.UUID  `json:"job_id"`
	Kind        ReportKind `json:"kind"`
	Status      JobStatus  `json:"status"`
	RequestKey  string     `json:"request_key,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Report    `json:"response,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// NewJobEvent builds the event describing rec.
func NewJobEvent(rec JobRecord, requestKey string) JobEvent {
	return JobEvent{
		JobID:       rec.ID,
		Kind:        rec.Kind,
		Status:      rec.Status,
		RequestKey:  requestKey,
		SubmittedAt: rec.SubmittedAt,
		CompletedAt: rec.CompletedAt,
		Result:      rec.Result,
		Message:     rec.Message,
	}
}

// ParseIntakeRequest decodes an intake message. The calculation kind may be
// given in the body or in a "kind" header; the body wins.
func ParseIntakeRequest(raw RawMessage) (IntakeRequest, error) {
	var in IntakeRequest
	if err := json.Unmarshal(raw.Value, &in); err != nil {
		return IntakeRequest{}, fmt.Errorf("%w: decode intake message: %v", ErrInvalidRequest, err)
	}
	if in.Kind == "" {
		in.Kind = ReportKind(raw.Headers["kind"])
	}
	switch in.Kind {
	case ReportCostBenefit, ReportTimeline:
		return in, nil
	case "":
		return IntakeRequest{}, fmt.Errorf("%w: intake message has no kind", ErrInvalidRequest)
	default:
		return IntakeRequest{}, fmt.Errorf("%w: unknown calculation %q", ErrInvalidRequest, in.Kind)
	}
}
