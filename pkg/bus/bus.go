// KFRelay - WeCom customer-service to gateway relay
// Internal queues decoupling webhook acks from the work they trigger

package bus

import (
	"github.com/sipeed/kfrelay/pkg/logger"
	"github.com/sipeed/kfrelay/pkg/protocol"
)

// SyncEvent is a decrypted kf_msg_or_event notification: the cue to walk
// the sync_msg cursor for one customer-service account.
type SyncEvent struct {
	Token    string
	OpenKfID string
}

// ReplyEvent is a reply frame received from a gateway, queued for the
// outbound reply engine.
type ReplyEvent struct {
	GatewayID string
	Reply     protocol.Reply
}

// MessageBus carries work between the ingress handlers and the background
// workers. Publishing never blocks; when a queue is full the event is
// dropped and logged (WeCom retries webhooks, gateways retry replies).
type MessageBus struct {
	syncCh  chan SyncEvent
	replyCh chan ReplyEvent
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		syncCh:  make(chan SyncEvent, 256),
		replyCh: make(chan ReplyEvent, 256),
	}
}

func (b *MessageBus) PublishSync(ev SyncEvent) {
	select {
	case b.syncCh <- ev:
	default:
		logger.WarnCF("bus", "Sync queue full, dropping event", map[string]any{
			"open_kfid": ev.OpenKfID,
		})
	}
}

func (b *MessageBus) PublishReply(ev ReplyEvent) {
	select {
	case b.replyCh <- ev:
	default:
		logger.WarnCF("bus", "Reply queue full, dropping reply", map[string]any{
			"gateway_id": ev.GatewayID,
			"reply_id":   ev.Reply.ID,
		})
	}
}

func (b *MessageBus) SyncEvents() <-chan SyncEvent   { return b.syncCh }
func (b *MessageBus) ReplyEvents() <-chan ReplyEvent { return b.replyCh }
