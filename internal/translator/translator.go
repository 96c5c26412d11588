package translator

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/notification-engine/internal/domain"
)

const (
	EventPostCreated        = "post.created"
	EventMatchDetected      = "match.detected"
	EventClaimInitiated     = "claim.initiated"
	EventPostResolved       = "post.resolved"
	EventUserRegistered     = "user.registered"
	EventPreferencesUpdated = "user.preferences_updated"
)

// Kind classifies a translation outcome.
type Kind string

const (
	KindCommand Kind = "command"
	// KindControl carries an instruction for the engine itself rather than a
	// notification, e.g. preference cache eviction.
	KindControl   Kind = "control"
	KindUnknown   Kind = "unknown"
	KindMalformed Kind = "malformed"
)

// Result is the outcome of translating one envelope. Unknown and malformed
// events are values, not errors: the caller acknowledges and drops them.
type Result struct {
	Kind    Kind
	Command *domain.SendNotificationCommand
	Control *Control
	Reason  string
}

// Control describes a control event.
type Control struct {
	EventType string
	UserID    string
}

type mapper func(Envelope) (domain.SendNotificationCommand, error)

var mappers = map[string]mapper{
	EventPostCreated:    mapPostCreated,
	EventMatchDetected:  mapMatchDetected,
	EventClaimInitiated: mapClaimInitiated,
	EventPostResolved:   mapPostResolved,
	EventUserRegistered: mapUserRegistered,
}

// SupportedEventTypes lists the event types that produce a command.
func SupportedEventTypes() []string {
	return []string{
		EventPostCreated,
		EventMatchDetected,
		EventClaimInitiated,
		EventPostResolved,
		EventUserRegistered,
	}
}

// Translate maps an envelope to a SendNotificationCommand. It reads no clock
// and performs no I/O, so equal envelopes always give equal results.
func Translate(env Envelope) Result {
	eventType := strings.ToLower(strings.TrimSpace(env.EventType))

	if eventType == EventPreferencesUpdated {
		return translateControl(env)
	}

	m, ok := mappers[eventType]
	if !ok {
		return Result{Kind: KindUnknown, Reason: fmt.Sprintf("unsupported event type %q", env.EventType)}
	}
	if strings.TrimSpace(env.AggregateID) == "" {
		return Result{Kind: KindMalformed, Reason: "aggregate_id is required"}
	}

	cmd, err := m(env)
	if err != nil {
		return Result{Kind: KindMalformed, Reason: err.Error()}
	}

	cmd.DedupKey = DedupKey(eventType, env.AggregateID)
	cmd.SourceEventID = env.EventID
	if cmd.Metadata == nil {
		cmd.Metadata = make(map[string]string, 3)
	}
	cmd.Metadata[domain.MetadataDedupKey] = cmd.DedupKey
	cmd.Metadata["event_type"] = eventType
	cmd.Metadata["aggregate_id"] = env.AggregateID

	return Result{Kind: KindCommand, Command: &cmd}
}

// DedupKey derives the idempotency key from stable event identifiers, e.g.
// post.created for aggregate 42 gives "post_created_42".
func DedupKey(eventType, aggregateID string) string {
	prefix := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(eventType)), ".", "_")
	return prefix + "_" + strings.TrimSpace(aggregateID)
}

func translateControl(env Envelope) Result {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := env.decodePayload(&p); err != nil {
		return Result{Kind: KindMalformed, Reason: err.Error()}
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		userID = strings.TrimSpace(env.AggregateID)
	}
	if userID == "" {
		return Result{Kind: KindMalformed, Reason: "user_id is required"}
	}

	return Result{
		Kind:    KindControl,
		Control: &Control{EventType: EventPreferencesUpdated, UserID: userID},
	}
}
