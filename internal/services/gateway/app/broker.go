package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/services/gateway/storage"
)

// broker fans committed updates out to online sessions. Delivery is
// best-effort: a failed or slow peer loses the push and recovers through the
// client's catch-up path on its next fetch.
type broker struct {
	store    storage.UpdateLog
	registry *sessionRegistry
	metrics  *metrics
	log      zerolog.Logger
}

func newBroker(store storage.UpdateLog, registry *sessionRegistry, metrics *metrics, log zerolog.Logger) *broker {
	return &broker{store: store, registry: registry, metrics: metrics, log: log}
}

// publish pushes each committed update to every online session of the
// bucket's recipients. Only updates that reached the database come through
// here.
func (b *broker) publish(ctx context.Context, committed []storage.CommittedUpdate) {
	for _, cu := range committed {
		recipients, err := b.store.BucketRecipients(ctx, cu.Bucket)
		if err != nil {
			b.log.Error().Err(err).
				Str("bucket_kind", cu.Bucket.Kind.String()).
				Int64("entity_id", cu.Bucket.EntityID).
				Msg("resolve update recipients")
			continue
		}

		payload := &protocol.UpdatesPayload{
			Bucket:  cu.Bucket,
			Updates: []protocol.Update{cu.Update},
		}
		for _, userID := range recipients {
			for _, sess := range b.registry.sessionsForUser(userID) {
				if err := sess.write(&protocol.ServerMessage{Body: payload}); err != nil {
					b.metrics.pushDropped.Inc()
					b.log.Debug().Err(err).
						Uint64("session_id", sess.id).
						Int64("user_id", userID).
						Msg("drop update push")
					continue
				}
				b.metrics.updatesPushed.Inc()
			}
		}
	}
}
