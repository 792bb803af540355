// Package notify carries workflow notifications to the chat adapter. Notifications are
// emitted after the transition commits and never fail it.
package notify

import (
	"context"
	"sync"

	"annoline/internal/logging"
)

type Kind string

const (
	KindReviewRequested       Kind = "review_requested"
	KindReviewResubmitted     Kind = "review_resubmitted"
	KindStudyReported         Kind = "study_reported"
	KindReworkRequested       Kind = "rework_requested"
	KindSelfAnnotationStarted Kind = "self_annotation_started"
	KindStudyApproved         Kind = "study_approved"
	KindStudyClosed           Kind = "study_closed"
)

// Notification addresses either a project's review channel (GroupID) or a single user (RecipientID).
type Notification struct {
	Kind        Kind   `json:"kind"`
	ProjectID   int64  `json:"project_id,omitempty"`
	GroupID     int64  `json:"group_id,omitempty"`
	RecipientID int64  `json:"recipient_id,omitempty"`
	StudyID     int64  `json:"study_id"`
	ExternalID  string `json:"external_id"`
	Iteration   int    `json:"iteration"`
	Reason      string `json:"reason,omitempty"`
	Note        string `json:"note,omitempty"`
	CommentID   int64  `json:"comment_id,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. Used when no queue is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	logging.Info(ctx, "notification", "kind", n.Kind, "study_id", n.StudyID,
		"group_id", n.GroupID, "recipient_id", n.RecipientID, "iteration", n.Iteration)
	return nil
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Count returns how many notifications of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}
