package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hibiken/asynq"

	"annoline/internal/notify"
)

func TestProcessorRelaysTask(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []notify.Notification
		kind string
	)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n notify.Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, n)
		kind = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer relay.Close()

	task, err := notify.NewDeliverTask(notify.Notification{
		Kind: notify.KindReviewRequested, GroupID: -100, StudyID: 4, ExternalID: "S1", Iteration: 1,
	})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	p := notify.NewProcessor(relay.URL)
	if err := p.HandleDeliver(context.Background(), task); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].StudyID != 4 || got[0].GroupID != -100 || got[0].Kind != notify.KindReviewRequested {
		t.Fatalf("unexpected relay payload %+v", got)
	}
	if kind != "application/json" {
		t.Fatalf("unexpected content type %q", kind)
	}
}

func TestProcessorRelayFailure(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer relay.Close()
	p := notify.NewProcessor(relay.URL)
	if err := p.Deliver(context.Background(), notify.Notification{Kind: notify.KindReworkRequested, StudyID: 1}); err == nil {
		t.Fatalf("expected relay failure")
	}
}

func TestProcessorBadPayloadSkipsRetry(t *testing.T) {
	p := notify.NewProcessor("")
	err := p.HandleDeliver(context.Background(), asynq.NewTask(notify.DeliverTask, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}
}

func TestProcessorWithoutRelayLogs(t *testing.T) {
	p := notify.NewProcessor("")
	if err := p.Deliver(context.Background(), notify.Notification{Kind: notify.KindStudyReported, StudyID: 2}); err != nil {
		t.Fatalf("log delivery: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	var r notify.Recorder
	ctx := context.Background()
	_ = r.Notify(ctx, notify.Notification{Kind: notify.KindReviewRequested})
	_ = r.Notify(ctx, notify.Notification{Kind: notify.KindReviewRequested})
	_ = r.Notify(ctx, notify.Notification{Kind: notify.KindReworkRequested})
	if r.Count(notify.KindReviewRequested) != 2 || len(r.Sent()) != 3 {
		t.Fatalf("unexpected recorder state %+v", r.Sent())
	}
	r.Err = errors.New("down")
	if err := r.Notify(ctx, notify.Notification{}); err == nil {
		t.Fatalf("expected configured error")
	}
}
