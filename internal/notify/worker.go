package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"annoline/internal/logging"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	RelayURL string
	HTTP     *http.Client
}

func NewProcessor(relayURL string) *Processor {
	return &Processor{RelayURL: relayURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

// NewServer builds the asynq server consuming notification tasks.
func NewServer(opt asynq.RedisClientOpt, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	return asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})
}

// Handler registers the deliver handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(DeliverTask, p.HandleDeliver)
	return mux
}

func (p *Processor) HandleDeliver(ctx context.Context, task *asynq.Task) error {
	var n Notification
	if err := json.Unmarshal(task.Payload(), &n); err != nil {
		return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	return p.Deliver(ctx, n)
}

// Deliver posts the notification to the relay, or logs it when no relay is set.
func (p *Processor) Deliver(ctx context.Context, n Notification) error {
	if p.RelayURL == "" {
		return LogNotifier{}.Notify(ctx, n)
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RelayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.Warn(ctx, "relay notification failed", "kind", n.Kind, "study_id", n.StudyID, "err", err)
		return fmt.Errorf("relay notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.Warn(ctx, "relay rejected notification", "kind", n.Kind, "study_id", n.StudyID, "status", resp.StatusCode)
		return fmt.Errorf("relay notification: http status %d", resp.StatusCode)
	}
	logging.Debug(ctx, "notification relayed", "kind", n.Kind, "study_id", n.StudyID)
	return nil
}
