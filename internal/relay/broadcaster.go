// Package relay implements the fan-out core: channel broadcast, unicast
// and emergency escalation over the session registry.
package relay

import (
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schoolride/relay/internal/protocol"
	"github.com/schoolride/relay/pkg/state"
)

// lockStripes bounds the per-channel serialization locks. Channels hashing
// to the same stripe share a lock, which only costs some cross-channel
// head-of-line waiting, never correctness.
const lockStripes = 64

// Broadcaster delivers events to every live member of a channel.
//
// Submissions to one channel are serialized, so events broadcast by the
// same sender reach all members in submission order. Delivery to each
// member is independent: a failed write reaps that one recipient and the
// fan-out continues. Broadcasting to an empty or unknown channel is a
// valid no-op.
type Broadcaster struct {
	logger  *slog.Logger
	manager state.Manager
	metrics *Metrics

	locks [lockStripes]sync.Mutex
}

func NewBroadcaster(logger *slog.Logger, manager state.Manager, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		logger:  logger.With(slog.String("component", "broadcaster")),
		manager: manager,
		metrics: metrics,
	}
}

// Broadcast stamps the event with the server time, encodes it once and
// delivers it to every current member of the channel. Returns the number
// of members the frame was handed to.
func (b *Broadcaster) Broadcast(channel string, env protocol.Envelope) int {
	frame, err := b.encode(&env)
	if err != nil {
		b.logger.Error("failed to encode broadcast event", slog.Any("error", err), slog.String("channel", channel))
		return 0
	}
	return b.broadcastFrame(channel, frame)
}

// BroadcastExcept behaves like Broadcast but skips one connection,
// typically the originator of the event being announced.
func (b *Broadcaster) BroadcastExcept(channel string, env protocol.Envelope, except uuid.UUID) int {
	frame, err := b.encode(&env)
	if err != nil {
		b.logger.Error("failed to encode broadcast event", slog.Any("error", err), slog.String("channel", channel))
		return 0
	}
	return b.deliver(channel, frame, except)
}

// Send stamps and delivers an event to a single known connection, used
// for confirmations and error replies to an event's originator. A failed
// write reaps the connection like any other delivery failure.
func (b *Broadcaster) Send(conn state.Conn, env protocol.Envelope) bool {
	frame, err := b.encode(&env)
	if err != nil {
		b.logger.Error("failed to encode reply event", slog.Any("error", err))
		return false
	}
	if err := conn.Send(frame); err != nil {
		b.reap(conn, err)
		return false
	}
	return true
}

// Unicast delivers the event to the single live connection of userID.
// Returns false when the identity has no live session; that is not an
// error, the notification is simply undeliverable right now.
func (b *Broadcaster) Unicast(userID string, env protocol.Envelope) bool {
	conn, ok := b.manager.ConnectionFor(userID)
	if !ok {
		b.logger.Debug("unicast target not connected", slog.String("userID", userID))
		return false
	}

	frame, err := b.encode(&env)
	if err != nil {
		b.logger.Error("failed to encode unicast event", slog.Any("error", err), slog.String("userID", userID))
		return false
	}

	b.metrics.Unicasts.Add(1)
	if err := conn.Send(frame); err != nil {
		b.reap(conn, err)
		return false
	}
	return true
}

// encode finalizes the envelope for the wire, assigning the broadcast
// timestamp if the caller has not already pinned one.
func (b *Broadcaster) encode(env *protocol.Envelope) ([]byte, error) {
	if env.Ts == 0 {
		env.Ts = time.Now().UnixMilli()
	}
	return json.Marshal(env)
}

// broadcastFrame delivers an already-encoded frame. Escalation uses it
// directly so multiple channels receive byte-identical copies.
func (b *Broadcaster) broadcastFrame(channel string, frame []byte) int {
	return b.deliver(channel, frame, uuid.Nil)
}

func (b *Broadcaster) deliver(channel string, frame []byte, except uuid.UUID) int {
	lock := b.lockFor(channel)
	lock.Lock()
	defer lock.Unlock()

	// Snapshot membership under the registry's own short-lived lock; the
	// per-connection handoffs below never block on a slow peer, so this
	// stripe lock is held only briefly.
	members := b.manager.Members(channel)
	if len(members) == 0 {
		return 0
	}

	b.metrics.Broadcasts.Add(1)
	delivered := 0
	for _, conn := range members {
		if except != uuid.Nil && conn.ID() == except {
			continue
		}
		if err := conn.Send(frame); err != nil {
			b.reap(conn, err)
			continue
		}
		delivered++
	}

	b.logger.Debug("broadcast delivered",
		slog.String("channel", channel),
		slog.Int("members", len(members)),
		slog.Int("delivered", delivered),
	)
	return delivered
}

// reap handles a failed write: the recipient is treated as disconnected
// and closed, which triggers its normal cleanup path. The failure is never
// surfaced to the sender or to other recipients.
func (b *Broadcaster) reap(conn state.Conn, err error) {
	b.metrics.DeliveryFailures.Add(1)
	b.logger.Warn("delivery failed, reaping recipient",
		slog.String("connID", conn.ID().String()),
		slog.Any("error", err),
	)
	conn.Close(err)
}

func (b *Broadcaster) lockFor(channel string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(channel))
	return &b.locks[h.Sum32()%lockStripes]
}
