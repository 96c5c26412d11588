package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/queue"
	"github.com/kursadbilgin/notification-engine/internal/service"
	"go.uber.org/zap"
)

type settlement struct {
	acked    bool
	requeued bool
}

type recorder struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	settled map[string]settlement
}

func newRecorder() *recorder {
	return &recorder{settled: make(map[string]settlement)}
}

func (r *recorder) delivery(id string, body []byte) queue.Delivery {
	r.wg.Add(1)
	d := queue.NewDelivery(body,
		func() error {
			r.mu.Lock()
			r.settled[id] = settlement{acked: true}
			r.mu.Unlock()
			r.wg.Done()
			return nil
		},
		func(requeue bool) error {
			r.mu.Lock()
			r.settled[id] = settlement{requeued: requeue}
			r.mu.Unlock()
			r.wg.Done()
			return nil
		},
	)
	d.MessageID = id
	return d
}

type fakeSource struct {
	deliveries []queue.Delivery
}

func (f *fakeSource) Consume(ctx context.Context, out chan<- queue.Delivery) error {
	for _, d := range f.deliveries {
		select {
		case out <- d:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (f *fakeSource) Close() error { return nil }

type fakeSubmitter struct {
	submitFn func(ctx context.Context, cmd domain.SendNotificationCommand) (*service.SubmitResult, error)
}

func (f *fakeSubmitter) Submit(ctx context.Context, cmd domain.SendNotificationCommand) (*service.SubmitResult, error) {
	return f.submitFn(ctx, cmd)
}

type fakeInvalidator struct {
	mu      sync.Mutex
	userIDs []string
	err     error
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userIDs = append(f.userIDs, userID)
	return f.err
}

func envelope(t *testing.T, eventType, aggregateID string, payload map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_id":     "evt-" + aggregateID,
		"event_type":   eventType,
		"timestamp":    "2026-03-01T10:00:00Z",
		"aggregate_id": aggregateID,
		"payload":      payload,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func runLoop(t *testing.T, loop *Loop, rec *recorder) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Start(ctx) }()

	settled := make(chan struct{})
	go func() {
		rec.wg.Wait()
		close(settled)
	}()

	select {
	case <-settled:
	case <-time.After(5 * time.Second):
		t.Fatal("deliveries were not settled in time")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestLoopSettlesEveryDelivery(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	deliveries := []queue.Delivery{
		rec.delivery("submitted", envelope(t, "post.created", "1", map[string]any{"user_id": "u1", "post_title": "Lost keys"})),
		rec.delivery("duplicate", envelope(t, "post.created", "2", map[string]any{"user_id": "u1", "post_title": "Lost keys"})),
		rec.delivery("system", envelope(t, "post.created", "3", map[string]any{"user_id": "u1", "post_title": "Lost keys"})),
		rec.delivery("invalid", envelope(t, "post.created", "4", map[string]any{"user_id": "u1", "post_title": "Lost keys"})),
		rec.delivery("unknown", envelope(t, "post.archived", "5", map[string]any{})),
		rec.delivery("malformed", envelope(t, "claim.initiated", "6", map[string]any{})),
		rec.delivery("garbage", []byte(`{not json`)),
		rec.delivery("control", envelope(t, "user.preferences_updated", "u9", map[string]any{"user_id": "u9"})),
	}

	var submitted atomic.Int32
	submitter := &fakeSubmitter{
		submitFn: func(ctx context.Context, cmd domain.SendNotificationCommand) (*service.SubmitResult, error) {
			submitted.Add(1)
			if cmd.CorrelationID == "" {
				t.Errorf("correlation id should be propagated")
			}
			switch cmd.SourceEventID {
			case "evt-2":
				return nil, fmt.Errorf("%w: dedup key held", domain.ErrDuplicate)
			case "evt-3":
				return nil, errors.New("connection refused")
			case "evt-4":
				return nil, domain.ErrValidation
			}
			return &service.SubmitResult{Detail: &service.NotificationDetail{
				Notification: domain.Notification{ID: "n-" + cmd.SourceEventID, Status: domain.StatusDelivered},
			}}, nil
		},
	}
	invalidator := &fakeInvalidator{}

	loop, err := NewLoop(&fakeSource{deliveries: deliveries}, submitter, invalidator, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}

	runLoop(t, loop, rec)

	want := map[string]settlement{
		"submitted": {acked: true},
		"duplicate": {acked: true},
		"system":    {requeued: true},
		"invalid":   {acked: true},
		"unknown":   {acked: true},
		"malformed": {acked: true},
		"garbage":   {acked: true},
		"control":   {acked: true},
	}
	for id, w := range want {
		if got := rec.settled[id]; got != w {
			t.Errorf("delivery %s settled %+v, want %+v", id, got, w)
		}
	}
	if got := submitted.Load(); got != 4 {
		t.Fatalf("Submit() called %d times, want 4", got)
	}
	if len(invalidator.userIDs) != 1 || invalidator.userIDs[0] != "u9" {
		t.Fatalf("invalidated = %v, want [u9]", invalidator.userIDs)
	}
}

func TestLoopRequeuesFailedControlEvent(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	deliveries := []queue.Delivery{
		rec.delivery("control", envelope(t, "user.preferences_updated", "u1", map[string]any{"user_id": "u1"})),
	}

	loop, err := NewLoop(
		&fakeSource{deliveries: deliveries},
		&fakeSubmitter{},
		&fakeInvalidator{err: errors.New("redis down")},
		1,
		nil,
	)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}

	runLoop(t, loop, rec)

	if got := rec.settled["control"]; !got.requeued {
		t.Fatalf("control delivery settled %+v, want requeue", got)
	}
}

func TestLoopBoundsInFlightWork(t *testing.T) {
	t.Parallel()

	const workers = 2
	rec := newRecorder()
	deliveries := make([]queue.Delivery, 0, 6)
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		deliveries = append(deliveries, rec.delivery(id, envelope(t, "post.created", id, map[string]any{"user_id": "u1", "post_title": "t"})))
	}

	var inFlight, peak atomic.Int32
	submitter := &fakeSubmitter{
		submitFn: func(ctx context.Context, cmd domain.SendNotificationCommand) (*service.SubmitResult, error) {
			current := inFlight.Add(1)
			for {
				old := peak.Load()
				if current <= old || peak.CompareAndSwap(old, current) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return &service.SubmitResult{}, nil
		},
	}

	loop, err := NewLoop(&fakeSource{deliveries: deliveries}, submitter, nil, workers, nil)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}

	runLoop(t, loop, rec)

	if got := peak.Load(); got > workers {
		t.Fatalf("peak concurrent submits = %d, want <= %d", got, workers)
	}
}

func TestNewLoopValidatesDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewLoop(nil, &fakeSubmitter{}, nil, 1, nil); err == nil {
		t.Fatal("expected error for nil source")
	}
	if _, err := NewLoop(&fakeSource{}, nil, nil, 1, nil); err == nil {
		t.Fatal("expected error for nil submitter")
	}

	loop, err := NewLoop(&fakeSource{}, &fakeSubmitter{}, nil, 0, nil)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	if loop.workers != defaultWorkers {
		t.Fatalf("workers = %d, want %d", loop.workers, defaultWorkers)
	}
}
