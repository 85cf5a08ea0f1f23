package cachemanager

import (
	"context"
	"time"

	"encore.dev/pubsub"

	"encore.app/invalidation"
	"encore.app/pkg/utils"
)

// MigrationEvent announces a ring migration starting or aborting, so every
// instance's ClientRouter stays in sync without a direct RPC fan-out.
type MigrationEvent struct {
	Action    string    `json:"action"` // "begin" or "abort"
	Nodes     []string  `json:"nodes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MigrationTopic carries migration control events across instances.
var MigrationTopic = pubsub.NewTopic[*MigrationEvent](
	"cache-migration",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Subscribe to invalidation events from other instances, so a key evicted
// on one node is dropped from every node's Arc for eventual consistency.
var _ = pubsub.NewSubscription(
	invalidation.CacheInvalidateTopic,
	"cache-manager-invalidate",
	pubsub.SubscriptionConfig[*invalidation.InvalidationEvent]{
		Handler: HandleInvalidateEvent,
	},
)

// HandleInvalidateEvent removes the event's keys/pattern from this node's
// Arc. Generalizes the teacher's l1Cache.Delete call to Arc.Remove.
func HandleInvalidateEvent(ctx context.Context, event *invalidation.InvalidationEvent) error {
	if svc == nil {
		return nil
	}

	for _, key := range event.MatchedKeys {
		svc.arc.Remove([]byte(key))
	}
	svc.metrics.addDelete(len(event.MatchedKeys))

	if event.Pattern != "" {
		n := svc.arc.RemovePattern(func(key string) bool {
			ok, err := utils.MatchPattern(event.Pattern, key)
			return err == nil && ok
		})
		svc.metrics.addDelete(n)
	}

	return nil
}

// Subscribe to migration control events from other instances.
var _ = pubsub.NewSubscription(
	MigrationTopic,
	"cache-manager-migration",
	pubsub.SubscriptionConfig[*MigrationEvent]{
		Handler: HandleMigrationEvent,
	},
)

// HandleMigrationEvent applies a migration begin/abort announced by whichever
// instance initiated it, keeping every node's migration ring consistent.
func HandleMigrationEvent(ctx context.Context, event *MigrationEvent) error {
	if svc == nil {
		return nil
	}
	switch event.Action {
	case "begin":
		svc.router.MigrationBegin(event.Nodes)
	case "abort":
		svc.router.MigrationAbort()
	}
	return nil
}

// PublishInvalidation publishes an invalidation event to all instances.
// Called internally after local eviction to coordinate with other nodes.
func (s *Service) PublishInvalidation(ctx context.Context, keys []string, pattern string) error {
	event := &invalidation.InvalidationEvent{
		Pattern:     pattern,
		MatchedKeys: keys,
		TriggeredBy: "cache_manager",
		Timestamp:   time.Now(),
	}
	_, err := invalidation.CacheInvalidateTopic.Publish(ctx, event)
	return err
}
