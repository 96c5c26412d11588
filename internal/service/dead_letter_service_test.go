package service

import (
	"context"
	"errors"
	"testing"

	"github.com/kursadbilgin/notification-engine/internal/domain"
)

func newDeadLetterService(t *testing.T, h *harness) *DeadLetterService {
	t.Helper()
	svc, err := NewDeadLetterService(h.deadLetters, h.notifications, h.attempts, h.lifecycle, h.dispatcher, nil)
	if err != nil {
		t.Fatalf("NewDeadLetterService() error = %v", err)
	}
	svc.now = fixedClock
	return svc
}

func TestDeadLetterServiceReprocess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.preferences.set(contactablePrefs("user-1", domain.ChannelEmail))
	email := h.adapter(domain.ChannelEmail)
	email.setDeliver(failWith(domain.ErrorKindProviderError, 400, false))
	ctx := context.Background()

	res, err := h.service.Submit(ctx, confirmationCommand("user-1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Detail.Notification.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Detail.Notification.Status)
	}

	letters := h.deadLetters.all()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}

	svc := newDeadLetterService(t, h)
	email.setDeliver(nil)

	updated, err := svc.Reprocess(ctx, letters[0].ID)
	if err != nil {
		t.Fatalf("Reprocess() error = %v", err)
	}
	if updated.Status != domain.StatusDelivered {
		t.Fatalf("status = %s, want delivered", updated.Status)
	}

	attempts := h.attempts.all()
	if len(attempts) != 2 || attempts[1].AttemptNumber != 2 {
		t.Fatalf("attempts = %+v, want replay as attempt 2", attempts)
	}

	stored, _ := h.deadLetters.GetByID(ctx, letters[0].ID)
	if stored.ReprocessedAt == nil || !stored.ReprocessedAt.Equal(testNow) {
		t.Fatalf("reprocessed at = %v, want %v", stored.ReprocessedAt, testNow)
	}

	if _, err := svc.Reprocess(ctx, letters[0].ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second Reprocess() error = %v, want conflict", err)
	}
}

func TestDeadLetterServiceReprocessRejects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	svc := newDeadLetterService(t, h)
	ctx := context.Background()

	if _, err := svc.Reprocess(ctx, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Reprocess(blank) error = %v, want validation", err)
	}
	if _, err := svc.Reprocess(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Reprocess(missing) error = %v, want not found", err)
	}

	h.preferences.set(contactablePrefs("user-1", domain.ChannelEmail, domain.ChannelSMS))
	n := h.seed(t, domain.ChannelEmail, domain.ChannelSMS)
	h.adapter(domain.ChannelEmail).setDeliver(failWith(domain.ErrorKindProviderError, 400, false))
	if _, _, err := h.dispatcher.Dispatch(ctx, n, nil, []Target{
		{Channel: domain.ChannelEmail, AttemptNumber: 1},
		{Channel: domain.ChannelSMS, AttemptNumber: 1},
	}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	letters := h.deadLetters.all()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if _, err := svc.Reprocess(ctx, letters[0].ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Reprocess(delivered) error = %v, want conflict", err)
	}
}
