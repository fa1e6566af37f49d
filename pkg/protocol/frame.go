// KFRelay - WeCom customer-service to gateway relay
// Gateway wire protocol: JSON text frames discriminated by "type"

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Close codes used on the gateway WebSocket.
const (
	CloseNormal        = 1000
	CloseAuthTimeout   = 4001
	CloseExpectedHello = 4002
	CloseAuthFailed    = 4003
)

// CloseReasonReplaced is sent with CloseNormal when a newer connection
// takes over a gateway id.
const CloseReasonReplaced = "Replaced by new connection"

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame type discriminators. The set is closed: decoding anything else
// fails with ErrUnknownFrameType.
const (
	TypeHello            = "hello"
	TypeAck              = "ack"
	TypeInbound          = "inbound"
	TypeReply            = "reply"
	TypeError            = "error"
	TypeCreateBinding    = "create_binding"
	TypeCreateBindingAck = "create_binding_ack"
	TypeUnbindAll        = "unbind_all"
	TypeBindingResolved  = "binding_resolved"
)

// Frame is one decoded protocol message.
type Frame interface {
	FrameType() string
}

// Hello authenticates a gateway; it must be the first frame.
type Hello struct {
	Type      string `json:"type"`
	GatewayID string `json:"gateway_id"`
	AuthToken string `json:"auth_token"`
}

func (Hello) FrameType() string { return TypeHello }

// Ack confirms a received frame; id "hello" confirms authentication.
type Ack struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (Ack) FrameType() string { return TypeAck }

// Inbound carries a user message to the gateway.
type Inbound struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	ExternalUserID string `json:"external_user_id"`
	MsgType        string `json:"msg_type"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
}

func (Inbound) FrameType() string { return TypeInbound }

// Reply is the gateway's text answer for a user.
type Reply struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	ExternalUserID string `json:"external_user_id"`
	Content        string `json:"content"`
}

func (Reply) FrameType() string { return TypeReply }

// Error reports a fatal or per-frame failure to the gateway.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (Error) FrameType() string { return TypeError }

// CreateBinding asks the relay for a pending-token binding flow.
type CreateBinding struct {
	Type      string `json:"type"`
	GatewayID string `json:"gateway_id"`
}

func (CreateBinding) FrameType() string { return TypeCreateBinding }

// CreateBindingAck answers CreateBinding with the token and the chat URL
// to hand to the end user.
type CreateBindingAck struct {
	Type               string `json:"type"`
	Token              string `json:"token"`
	CustomerServiceURL string `json:"customer_service_url"`
}

func (CreateBindingAck) FrameType() string { return TypeCreateBindingAck }

// UnbindAll removes every binding owned by a gateway.
type UnbindAll struct {
	Type      string `json:"type"`
	GatewayID string `json:"gateway_id"`
}

func (UnbindAll) FrameType() string { return TypeUnbindAll }

// BindingResolved notifies the gateway that a pending binding completed.
type BindingResolved struct {
	Type           string `json:"type"`
	ExternalUserID string `json:"external_user_id"`
	GatewayID      string `json:"gateway_id"`
}

func (BindingResolved) FrameType() string { return TypeBindingResolved }

// Decode parses one text frame. Unparseable JSON fails with
// ErrMalformedFrame; a valid envelope with an unrecognized type fails
// with ErrUnknownFrameType.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		frame Frame
		err   error
	)
	switch head.Type {
	case TypeHello:
		frame, err = decodeAs[Hello](data)
	case TypeAck:
		frame, err = decodeAs[Ack](data)
	case TypeInbound:
		frame, err = decodeAs[Inbound](data)
	case TypeReply:
		frame, err = decodeAs[Reply](data)
	case TypeError:
		frame, err = decodeAs[Error](data)
	case TypeCreateBinding:
		frame, err = decodeAs[CreateBinding](data)
	case TypeCreateBindingAck:
		frame, err = decodeAs[CreateBindingAck](data)
	case TypeUnbindAll:
		frame, err = decodeAs[UnbindAll](data)
	case TypeBindingResolved:
		frame, err = decodeAs[BindingResolved](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, head.Type)
	}
	return frame, err
}

func decodeAs[T Frame](data []byte) (Frame, error) {
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// Encode serializes a frame, stamping the type discriminator so callers
// cannot forget it.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	// Re-stamp the discriminator: zero-valued Type fields would otherwise
	// produce frames the peer cannot route.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	typeJSON, err := json.Marshal(f.FrameType())
	if err != nil {
		return nil, err
	}
	obj["type"] = typeJSON
	return json.Marshal(obj)
}
