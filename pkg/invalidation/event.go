// Package invalidation maps mutation events to response-cache evictions.
//
// A mutation somewhere in the system is described by an Event. A Registry,
// built by the application and injected into the Bus, resolves each event
// type to Targets: glob patterns, tag sets or exact keys. The Bus evicts
// them either synchronously (Dispatch) or through a bounded worker pool
// (Publish).
//
// Invalidation is best-effort. Failures are logged and counted but never
// propagated to the request that caused the mutation; an entry that
// survives a failed invalidation lives until its TTL lapses.
//
// Example:
//
//	reg := invalidation.NewRegistry()
//	reg.Register("user.updated",
//		invalidation.Patterns("rc:*:/users/{userId}*"),
//		invalidation.Tags("user:{userId}"),
//	)
//	bus := invalidation.NewBus(cacheManager, reg, invalidation.DefaultConfig())
//	defer bus.Close(ctx)
//
//	bus.Publish(invalidation.Event{
//		Type:     "user.updated",
//		Criteria: map[string]string{"userId": "42"},
//	})
package invalidation

import (
	"time"
)

// Event describes a completed mutation. It is never persisted.
type Event struct {
	// Type selects the resolvers, e.g. "user.updated".
	Type string `json:"type"`

	// Criteria holds the values extracted from the mutation, substituted
	// into resolver templates as {name}.
	Criteria map[string]string `json:"criteria,omitempty"`

	// Keys are exact cache keys to evict, used by EventKeys.
	Keys []string `json:"keys,omitempty"`

	OccurredAt time.Time `json:"occurredAt"`
}

// Target is one thing to evict. Exactly one field is set.
type Target struct {
	Pattern string
	Tag     string
	Key     string
}

// String renders the target for logs.
func (t Target) String() string {
	switch {
	case t.Pattern != "":
		return "pattern:" + t.Pattern
	case t.Tag != "":
		return "tag:" + t.Tag
	default:
		return "key:" + t.Key
	}
}

func (t Target) empty() bool {
	return t.Pattern == "" && t.Tag == "" && t.Key == ""
}
