package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"annoline/internal/db"
	"annoline/internal/domain"
)

// Writer appends status history rows inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type Payload map[string]any

// Entry describes one accepted transition. From is nil for creation.
type Entry struct {
	StudyID    int64
	From       *domain.Status
	To         domain.Status
	Transition domain.Transition
	ActorID    *int64
	Iteration  int
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	var payload any
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = string(data)
	}
	var from any
	if e.From != nil {
		from = string(*e.From)
	}
	var actor any
	if e.ActorID != nil {
		actor = *e.ActorID
	}
	_, err := tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO study_status_history(study_id,from_status,to_status,transition,actor_id,iteration,payload,changed_at)
		VALUES (?,?,?,?,?,?,?,?)`),
		e.StudyID, from, string(e.To), string(e.Transition), actor, e.Iteration, payload, ts)
	if err != nil {
		return fmt.Errorf("append audit row: %w", err)
	}
	return nil
}
