package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrOwnedElsewhere = errors.New("participant is connected to another instance")

const defaultDirectoryTTL = 5 * time.Minute

// releaseScript deletes the key only while this instance still owns it
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ConnectionDirectory records which instance holds each participant's connection.
type ConnectionDirectory struct {
	client     redis.UniversalClient
	instanceID string
	prefix     string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

func NewConnectionDirectory(client redis.UniversalClient, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *ConnectionDirectory {
	if ttl <= 0 {
		ttl = defaultDirectoryTTL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ConnectionDirectory{
		client:     client,
		instanceID: instanceID,
		prefix:     "peerlink:",
		ttl:        ttl,
		logger:     logger,
	}
}

// Register claims the participant for this instance. Re-registering an owned
// participant refreshes its TTL.
func (d *ConnectionDirectory) Register(ctx context.Context, id domain.ParticipantID) error {
	key := d.participantKey(id)

	claimed, err := d.client.SetNX(ctx, key, d.instanceID, d.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to register participant: %w", err)
	}
	if !claimed {
		owner, err := d.client.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read participant owner: %w", err)
		}
		if owner != d.instanceID {
			return fmt.Errorf("%w: %s", ErrOwnedElsewhere, owner)
		}
		if err := d.client.Expire(ctx, key, d.ttl).Err(); err != nil {
			return fmt.Errorf("failed to refresh participant: %w", err)
		}
	}

	instanceKey := d.instanceKey(d.instanceID)
	pipe := d.client.TxPipeline()
	pipe.SAdd(ctx, instanceKey, string(id))
	pipe.Expire(ctx, instanceKey, 2*d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add participant to instance set: %w", err)
	}
	return nil
}

// refresh extends the TTL of an entry this instance owns. A late stats update
// for an already released participant does not recreate it.
func (d *ConnectionDirectory) refresh(ctx context.Context, id domain.ParticipantID) error {
	key := d.participantKey(id)
	owner, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read participant owner: %w", err)
	}
	if owner != d.instanceID {
		return nil
	}
	if err := d.client.Expire(ctx, key, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh participant: %w", err)
	}
	return nil
}

// Unregister releases the participant if this instance owns it
func (d *ConnectionDirectory) Unregister(ctx context.Context, id domain.ParticipantID) error {
	if err := releaseScript.Run(ctx, d.client, []string{d.participantKey(id)}, d.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to unregister participant: %w", err)
	}
	if err := d.client.SRem(ctx, d.instanceKey(d.instanceID), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove participant from instance set: %w", err)
	}
	return nil
}

// Owner returns the instance holding the participant, or "" when none does
func (d *ConnectionDirectory) Owner(ctx context.Context, id domain.ParticipantID) (string, error) {
	owner, err := d.client.Get(ctx, d.participantKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get participant owner: %w", err)
	}
	return owner, nil
}

// InstanceParticipants lists participants registered by an instance
func (d *ConnectionDirectory) InstanceParticipants(ctx context.Context, instanceID string) ([]domain.ParticipantID, error) {
	ids, err := d.client.SMembers(ctx, d.instanceKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance participants: %w", err)
	}

	result := make([]domain.ParticipantID, len(ids))
	for i, id := range ids {
		result[i] = domain.ParticipantID(id)
	}
	return result, nil
}

// Cleanup releases every participant this instance registered, e.g. on shutdown
func (d *ConnectionDirectory) Cleanup(ctx context.Context) error {
	ids, err := d.InstanceParticipants(ctx, d.instanceID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.Unregister(ctx, id); err != nil {
			d.logger.Warnw("failed to unregister participant during cleanup",
				"participant_id", id,
				"error", err,
			)
		}
	}
	return d.client.Del(ctx, d.instanceKey(d.instanceID)).Err()
}

// Track keeps the directory in sync with the local connection lifecycle until ctx is done
func (d *ConnectionDirectory) Track(ctx context.Context, source ports.EventSource) error {
	events, cancel := source.Subscribe(
		domain.EventConnectionCreated,
		domain.EventStatsUpdated,
		domain.EventPeerConnectionClosed,
	)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.apply(ctx, ev)
		}
	}
}

func (d *ConnectionDirectory) apply(ctx context.Context, ev domain.Event) {
	var err error
	switch ev.Type {
	case domain.EventConnectionCreated:
		err = d.Register(ctx, ev.ParticipantID)
	case domain.EventStatsUpdated:
		err = d.refresh(ctx, ev.ParticipantID)
	case domain.EventPeerConnectionClosed:
		err = d.Unregister(ctx, ev.ParticipantID)
	default:
		return
	}
	if err != nil {
		d.logger.Warnw("connection directory update failed",
			"type", ev.Type,
			"participant_id", ev.ParticipantID,
			"error", err,
		)
	}
}

func (d *ConnectionDirectory) participantKey(id domain.ParticipantID) string {
	return d.prefix + "participant:" + string(id)
}

func (d *ConnectionDirectory) instanceKey(instanceID string) string {
	return fmt.Sprintf("%sinstance:%s:participants", d.prefix, instanceID)
}
