// KFRelay - WeCom customer-service to gateway relay
// Inbound dispatch: binding resolution and frame routing

package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sipeed/kfrelay/pkg/binding"
	"github.com/sipeed/kfrelay/pkg/gateway"
	"github.com/sipeed/kfrelay/pkg/logger"
	"github.com/sipeed/kfrelay/pkg/protocol"
	"github.com/sipeed/kfrelay/pkg/wecom"
)

// Delivery is duplicate-tolerant, so remembering recent msgids is enough
// to absorb WeCom's webhook retries without unbounded growth.
const seenMsgIDCap = 4096

// welcomeText is sent to a user right after their binding resolves.
var welcomeText = map[string]string{
	"zh": "绑定成功！现在可以直接发消息了。",
	"en": "Binding complete! You can start chatting now.",
}

// UserSender delivers a plain text message to an external user.
type UserSender interface {
	SendUserText(ctx context.Context, externalUserID, content string) error
}

// Dispatcher applies binding rules to synced messages and forwards them
// to the owning gateway connection.
type Dispatcher struct {
	bindings binding.Store
	registry *gateway.Registry
	sender   UserSender
	locale   string

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

func NewDispatcher(bindings binding.Store, registry *gateway.Registry, sender UserSender, locale string) *Dispatcher {
	if _, ok := welcomeText[locale]; !ok {
		locale = "zh"
	}
	return &Dispatcher{
		bindings: bindings,
		registry: registry,
		sender:   sender,
		locale:   locale,
		seen:     make(map[string]struct{}),
	}
}

// DispatchBatch routes one sync_msg batch in receive order.
func (d *Dispatcher) DispatchBatch(ctx context.Context, msgs []wecom.SyncMessage) {
	for _, msg := range msgs {
		d.dispatch(ctx, msg)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg wecom.SyncMessage) {
	if msg.MsgID != "" && d.alreadySeen(msg.MsgID) {
		return
	}

	if msg.MsgType == wecom.MsgTypeEvent {
		d.dispatchEvent(ctx, msg)
		return
	}

	if !msg.FromCustomer() {
		return
	}

	// A bare pending token typed as text completes the binding instead of
	// being forwarded.
	if msg.MsgType == wecom.MsgTypeText {
		trimmed := strings.TrimSpace(msg.Content())
		if gw, ok := d.bindings.ResolvePending(trimmed); ok {
			d.completeBinding(ctx, msg.ExternalUserID, gw)
			return
		}
	}

	gw, ok := d.bindings.Lookup(msg.ExternalUserID)
	if !ok {
		logger.DebugCF("dispatch", "No binding for user, dropping", map[string]any{
			"external_user_id": msg.ExternalUserID,
			"msg_type":         msg.MsgType,
		})
		return
	}

	conn, ok := d.registry.Get(gw)
	if !ok {
		logger.DebugCF("dispatch", "Gateway offline, dropping message", map[string]any{
			"gateway_id":       gw,
			"external_user_id": msg.ExternalUserID,
		})
		return
	}

	frame := protocol.Inbound{
		ID:             uuid.NewString(),
		ExternalUserID: msg.ExternalUserID,
		MsgType:        msg.MsgType,
		Content:        msg.Content(),
		Timestamp:      msg.SendTime,
	}
	if err := conn.Send(frame); err != nil {
		logger.WarnCF("dispatch", "Failed to forward message", map[string]any{
			"gateway_id": gw,
			"error":      err.Error(),
		})
	}
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, msg wecom.SyncMessage) {
	ev := msg.Event
	if ev == nil || ev.EventType != "enter_session" || ev.SceneParam == "" {
		return
	}
	gw, ok := d.bindings.ResolvePending(ev.SceneParam)
	if !ok {
		return
	}
	d.completeBinding(ctx, msg.ExternalUserID, gw)
}

// completeBinding commits the binding, welcomes the user, and notifies
// the gateway if it is connected.
func (d *Dispatcher) completeBinding(ctx context.Context, externalUserID, gatewayID string) {
	if err := d.bindings.Bind(externalUserID, gatewayID); err != nil {
		logger.ErrorCF("dispatch", "Failed to persist binding", map[string]any{
			"external_user_id": externalUserID,
			"gateway_id":       gatewayID,
			"error":            err.Error(),
		})
		return
	}

	logger.InfoCF("dispatch", "Binding resolved", map[string]any{
		"external_user_id": externalUserID,
		"gateway_id":       gatewayID,
	})

	if err := d.sender.SendUserText(ctx, externalUserID, welcomeText[d.locale]); err != nil {
		logger.WarnCF("dispatch", "Failed to send welcome", map[string]any{
			"external_user_id": externalUserID,
			"error":            err.Error(),
		})
	}

	if conn, ok := d.registry.Get(gatewayID); ok {
		_ = conn.Send(protocol.BindingResolved{
			ExternalUserID: externalUserID,
			GatewayID:      gatewayID,
		})
	}
}

func (d *Dispatcher) alreadySeen(msgID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[msgID]; ok {
		return true
	}
	d.seen[msgID] = struct{}{}
	d.seenOrder = append(d.seenOrder, msgID)
	if len(d.seenOrder) > seenMsgIDCap {
		oldest := d.seenOrder[0]
		d.seenOrder = d.seenOrder[1:]
		delete(d.seen, oldest)
	}
	return false
}
