package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/provider"
	"github.com/kursadbilgin/notification-engine/internal/queue"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"github.com/kursadbilgin/notification-engine/internal/resilience/bulkhead"
	"github.com/kursadbilgin/notification-engine/internal/resilience/circuitbreaker"
	"github.com/kursadbilgin/notification-engine/internal/routing"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func strPtr(v string) *string { return &v }

type memNotificationRepo struct {
	mu          sync.Mutex
	items       map[string]domain.Notification
	transitions []domain.StatusTransition
	// conflicts makes the next n Transition calls lose the optimistic race.
	conflicts int
	createErr error
}

func newMemNotificationRepo() *memNotificationRepo {
	return &memNotificationRepo{items: make(map[string]domain.Notification)}
}

func (r *memNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.items[n.ID]; ok {
		return domain.ErrConflict
	}
	r.items[n.ID] = *n
	return nil
}

func (r *memNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &n, nil
}

func (r *memNotificationRepo) FindByDedupKey(ctx context.Context, key string, since time.Time) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *domain.Notification
	for _, n := range r.items {
		if n.DedupKey == nil || *n.DedupKey != key || n.CreatedAt.Before(since) {
			continue
		}
		if found == nil || n.CreatedAt.Before(found.CreatedAt) {
			copied := n
			found = &copied
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return found, nil
}

func (r *memNotificationRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Notification, 0, len(r.items))
	for _, n := range r.items {
		if params.Status != nil && n.Status != *params.Status {
			continue
		}
		if params.UserID != nil && n.UserID != *params.UserID {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, int64(len(out)), nil
}

func (r *memNotificationRepo) SetChannels(ctx context.Context, id string, channels []domain.Channel) error {
	return r.update(id, func(n *domain.Notification) { n.Channels = append([]domain.Channel(nil), channels...) })
}

func (r *memNotificationRepo) SetScheduledAt(ctx context.Context, id string, at *time.Time) error {
	return r.update(id, func(n *domain.Notification) { n.ScheduledAt = at })
}

func (r *memNotificationRepo) Transition(ctx context.Context, change repository.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[change.NotificationID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.conflicts > 0 {
		r.conflicts--
		return domain.ErrConflict
	}
	if n.Status != change.From {
		return domain.ErrConflict
	}
	applyTransition(&n, change.To, change.At, change.FailureReason, change.ClearStamps)
	r.items[n.ID] = n
	r.transitions = append(r.transitions, domain.StatusTransition{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		From:           change.From,
		To:             change.To,
		Reason:         change.Reason,
		CreatedAt:      change.At,
	})
	return nil
}

func (r *memNotificationRepo) BumpRetryCount(ctx context.Context, id string, retryCount int) error {
	return r.update(id, func(n *domain.Notification) {
		n.RetryCount = min(max(n.RetryCount, retryCount), n.MaxRetries)
	})
}

func (r *memNotificationRepo) ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.Notification
	for id, n := range r.items {
		if n.Status != domain.StatusPending || n.ScheduledAt == nil || n.ScheduledAt.After(now) {
			continue
		}
		n.ScheduledAt = nil
		r.items[id] = n
		due = append(due, n)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (r *memNotificationRepo) ListTransitions(ctx context.Context, notificationID string) ([]domain.StatusTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StatusTransition
	for _, tr := range r.transitions {
		if tr.NotificationID == notificationID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (r *memNotificationRepo) update(id string, fn func(n *domain.Notification)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&n)
	r.items[id] = n
	return nil
}

func (r *memNotificationRepo) get(t *testing.T, id string) domain.Notification {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		t.Fatalf("notification %s not stored", id)
	}
	return n
}

type memAttemptRepo struct {
	mu    sync.Mutex
	items []domain.DeliveryAttempt
}

func (r *memAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, *a)
	return nil
}

func (r *memAttemptRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.items {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memAttemptRepo) ListByNotification(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range r.items {
		if a.NotificationID == notificationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memAttemptRepo) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].ID != id {
			continue
		}
		if r.items[i].Status != domain.AttemptSent {
			return domain.ErrConflict
		}
		r.items[i].Status = domain.AttemptDelivered
		r.items[i].DeliveredAt = &at
		return nil
	}
	return domain.ErrNotFound
}

func (r *memAttemptRepo) all() []domain.DeliveryAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), r.items...)
}

type memRetryJobRepo struct {
	mu    sync.Mutex
	items map[string]domain.RetryJob
}

func newMemRetryJobRepo() *memRetryJobRepo {
	return &memRetryJobRepo{items: make(map[string]domain.RetryJob)}
}

func (r *memRetryJobRepo) Create(ctx context.Context, job *domain.RetryJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[job.ID] = *job
	return nil
}

func (r *memRetryJobRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.RetryJob
	for id, job := range r.items {
		if job.Status != domain.RetryJobPending || job.NextAttemptAt.After(now) {
			continue
		}
		job.Status = domain.RetryJobRunning
		r.items[id] = job
		due = append(due, job)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (r *memRetryJobRepo) Finish(ctx context.Context, id string, status domain.RetryJobStatus, lastError *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.Status = status
	job.LastError = lastError
	r.items[id] = job
	return nil
}

func (r *memRetryJobRepo) CancelPending(ctx context.Context, notificationID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cancelled int64
	for id, job := range r.items {
		if job.NotificationID == notificationID && job.Status == domain.RetryJobPending {
			job.Status = domain.RetryJobCancelled
			r.items[id] = job
			cancelled++
		}
	}
	return cancelled, nil
}

func (r *memRetryJobRepo) ActiveChannels(ctx context.Context, notificationID string) (map[domain.Channel]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make(map[domain.Channel]bool)
	for _, job := range r.items {
		if job.NotificationID != notificationID {
			continue
		}
		if job.Status == domain.RetryJobPending || job.Status == domain.RetryJobRunning {
			active[job.Channel] = true
		}
	}
	return active, nil
}

func (r *memRetryJobRepo) forNotification(notificationID string) []domain.RetryJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RetryJob
	for _, job := range r.items {
		if job.NotificationID == notificationID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

type memDeadLetterRepo struct {
	mu    sync.Mutex
	items map[string]domain.DeadLetter
}

func newMemDeadLetterRepo() *memDeadLetterRepo {
	return &memDeadLetterRepo{items: make(map[string]domain.DeadLetter)}
}

func (r *memDeadLetterRepo) Create(ctx context.Context, d *domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[d.ID] = *d
	return nil
}

func (r *memDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &d, nil
}

func (r *memDeadLetterRepo) List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetter, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeadLetter, 0, len(r.items))
	for _, d := range r.items {
		out = append(out, d)
	}
	return out, int64(len(out)), nil
}

func (r *memDeadLetterRepo) MarkReprocessed(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if d.ReprocessedAt != nil {
		return domain.ErrConflict
	}
	d.ReprocessedAt = &at
	r.items[id] = d
	return nil
}

func (r *memDeadLetterRepo) all() []domain.DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeadLetter, 0, len(r.items))
	for _, d := range r.items {
		out = append(out, d)
	}
	return out
}

type memPreferenceRepo struct {
	mu    sync.Mutex
	items map[string]domain.UserPreferences
	gets  int
	// failures are returned by the next Get calls, one each.
	failures []error
}

func newMemPreferenceRepo(prefs ...domain.UserPreferences) *memPreferenceRepo {
	r := &memPreferenceRepo{items: make(map[string]domain.UserPreferences)}
	for _, p := range prefs {
		r.items[p.UserID] = p
	}
	return r
}

func (r *memPreferenceRepo) Get(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return nil, err
	}
	p, ok := r.items[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (r *memPreferenceRepo) Upsert(ctx context.Context, prefs *domain.UserPreferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[prefs.UserID] = *prefs
	return nil
}

func (r *memPreferenceRepo) failNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

func (r *memPreferenceRepo) set(prefs domain.UserPreferences) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[prefs.UserID] = prefs
}

type fakeAdapter struct {
	channel   domain.Channel
	mu        sync.Mutex
	calls     int
	deliverFn func(ctx context.Context, n domain.Notification, prefs domain.UserPreferences) (*provider.Result, error)
}

func (a *fakeAdapter) Channel() domain.Channel { return a.channel }

func (a *fakeAdapter) Supports(ch domain.Channel) bool { return ch == a.channel }

func (a *fakeAdapter) Deliver(ctx context.Context, n domain.Notification, prefs domain.UserPreferences) (*provider.Result, error) {
	a.mu.Lock()
	a.calls++
	fn := a.deliverFn
	a.mu.Unlock()
	if fn == nil {
		return &provider.Result{Status: domain.AttemptDelivered, StatusCode: 200, ProviderRef: "ref-" + n.ID}, nil
	}
	return fn(ctx, n, prefs)
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAdapter) setDeliver(fn func(ctx context.Context, n domain.Notification, prefs domain.UserPreferences) (*provider.Result, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deliverFn = fn
}

func failWith(kind domain.ErrorKind, status int, transient bool) func(context.Context, domain.Notification, domain.UserPreferences) (*provider.Result, error) {
	return func(context.Context, domain.Notification, domain.UserPreferences) (*provider.Result, error) {
		return nil, &provider.ProviderError{Kind: kind, StatusCode: status, Message: "upstream said no", Transient: transient}
	}
}

func acceptWith(status domain.AttemptStatus, code int) func(context.Context, domain.Notification, domain.UserPreferences) (*provider.Result, error) {
	return func(ctx context.Context, n domain.Notification, prefs domain.UserPreferences) (*provider.Result, error) {
		return &provider.Result{Status: status, StatusCode: code, ProviderRef: "ref-" + n.ID}, nil
	}
}

type fakeOutcomePublisher struct {
	mu     sync.Mutex
	events []queue.OutcomeEvent
}

func (p *fakeOutcomePublisher) PublishOutcome(ctx context.Context, event queue.OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakeOutcomePublisher) published() []queue.OutcomeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.OutcomeEvent(nil), p.events...)
}

type fakeDedupGuard struct {
	mu       sync.Mutex
	holders  map[string]string
	released []string
}

func newFakeDedupGuard() *fakeDedupGuard {
	return &fakeDedupGuard{holders: make(map[string]string)}
}

func (g *fakeDedupGuard) Claim(ctx context.Context, key, notificationID string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holder, ok := g.holders[key]; ok {
		return holder, false, nil
	}
	g.holders[key] = notificationID
	return notificationID, true, nil
}

func (g *fakeDedupGuard) Release(ctx context.Context, key, notificationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holders[key] == notificationID {
		delete(g.holders, key)
	}
	g.released = append(g.released, key)
	return nil
}

// harness wires the delivery pipeline over in-memory stores.
type harness struct {
	notifications *memNotificationRepo
	attempts      *memAttemptRepo
	retryJobs     *memRetryJobRepo
	deadLetters   *memDeadLetterRepo
	preferences   *memPreferenceRepo
	outcomes      *fakeOutcomePublisher
	adapters      map[domain.Channel]*fakeAdapter
	breakers      *circuitbreaker.Registry
	bulkheads     *bulkhead.Registry

	lifecycle  *LifecycleManager
	retries    *RetryScheduler
	dispatcher *Dispatcher
	service    *NotificationService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	breakers map[domain.Channel]circuitbreaker.Config
	bulkhead map[domain.Channel]bulkhead.Config
	dedup    DedupGuard
}

func withBreakers(cfg map[domain.Channel]circuitbreaker.Config) harnessOption {
	return func(c *harnessConfig) { c.breakers = cfg }
}

func withBulkheads(cfg map[domain.Channel]bulkhead.Config) harnessOption {
	return func(c *harnessConfig) { c.bulkhead = cfg }
}

func withDedupGuard(g DedupGuard) harnessOption {
	return func(c *harnessConfig) { c.dedup = g }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		notifications: newMemNotificationRepo(),
		attempts:      &memAttemptRepo{},
		retryJobs:     newMemRetryJobRepo(),
		deadLetters:   newMemDeadLetterRepo(),
		preferences:   newMemPreferenceRepo(),
		outcomes:      &fakeOutcomePublisher{},
		adapters: map[domain.Channel]*fakeAdapter{
			domain.ChannelEmail: {channel: domain.ChannelEmail},
			domain.ChannelSMS:   {channel: domain.ChannelSMS},
			domain.ChannelChat:  {channel: domain.ChannelChat},
		},
	}

	breakerConfigs := cfg.breakers
	if breakerConfigs == nil {
		breakerConfigs = make(map[domain.Channel]circuitbreaker.Config)
		for _, ch := range domain.ChannelPriority {
			c := circuitbreaker.DefaultConfig()
			c.IsSuccessful = provider.IsBreakerSuccess
			breakerConfigs[ch] = c
		}
	}
	h.breakers = circuitbreaker.NewRegistry(breakerConfigs, zap.NewNop(), nil)

	bulkheadConfigs := cfg.bulkhead
	if bulkheadConfigs == nil {
		bulkheadConfigs = map[domain.Channel]bulkhead.Config{
			domain.ChannelEmail: {MaxConcurrent: 4, AcquireTimeout: time.Second},
			domain.ChannelSMS:   {MaxConcurrent: 4, AcquireTimeout: time.Second},
			domain.ChannelChat:  {MaxConcurrent: 4, AcquireTimeout: time.Second},
		}
	}
	h.bulkheads = bulkhead.NewRegistry(bulkheadConfigs)

	var err error
	h.lifecycle, err = NewLifecycleManager(h.notifications, h.attempts, h.retryJobs, h.outcomes, true, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLifecycleManager() error = %v", err)
	}
	h.lifecycle.now = fixedClock

	h.retries, err = NewRetryScheduler(h.notifications, h.retryJobs, h.deadLetters, BackoffConfig{Jitter: 0}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}
	h.retries.now = fixedClock

	h.dispatcher, err = NewDispatcher(
		h.lifecycle,
		h.retries,
		h.retryJobs,
		h.preferences,
		provider.NewAdapters(
			h.adapters[domain.ChannelEmail],
			h.adapters[domain.ChannelSMS],
			h.adapters[domain.ChannelChat],
		),
		h.breakers,
		h.bulkheads,
		nil,
		map[domain.Channel]time.Duration{domain.ChannelEmail: time.Second},
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	h.dispatcher.now = fixedClock

	h.service, err = NewNotificationService(
		h.notifications,
		h.attempts,
		h.lifecycle,
		h.dispatcher,
		routing.NewRouter(),
		h.preferences,
		cfg.dedup,
		time.Hour,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewNotificationService() error = %v", err)
	}
	h.service.now = fixedClock

	return h
}

func (h *harness) adapter(ch domain.Channel) *fakeAdapter {
	return h.adapters[ch]
}

// seed stores a pending notification that already has resolved channels.
func (h *harness) seed(t *testing.T, channels ...domain.Channel) *domain.Notification {
	t.Helper()
	n := &domain.Notification{
		UserID:     "user-1",
		Type:       domain.TypeMatchAlert,
		Urgency:    domain.UrgencyNormal,
		Title:      "Possible match",
		Body:       "We found an item that looks like yours.",
		Channels:   channels,
		MaxRetries: domain.DefaultMaxRetries,
	}
	if err := h.lifecycle.Create(context.Background(), n); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return n
}

func contactablePrefs(userID string, channels ...domain.Channel) domain.UserPreferences {
	prefs := domain.UserPreferences{
		UserID:         userID,
		Enabled:        true,
		Email:          strPtr("owner@example.com"),
		Phone:          strPtr("+905551112233"),
		ChatHandle:     strPtr("@owner"),
		Timezone:       "UTC",
		ChannelToggles: make(map[domain.Channel]bool),
	}
	for _, ch := range channels {
		prefs.ChannelToggles[ch] = true
	}
	return prefs
}
