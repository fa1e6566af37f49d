package wecom

import "encoding/json"

// Message kinds seen in kf/sync_msg batches. Anything else is kept as
// MsgTypeUnknown instead of failing the batch.
const (
	MsgTypeText    = "text"
	MsgTypeImage   = "image"
	MsgTypeVoice   = "voice"
	MsgTypeEvent   = "event"
	MsgTypeUnknown = "unknown"
)

// Message origin 3 marks a customer message; other origins are system or
// servicer traffic the relay must not forward.
const OriginCustomer = 3

// SyncMessage is one entry of a kf/sync_msg batch, already narrowed to the
// fields the relay routes on.
type SyncMessage struct {
	MsgID          string `json:"msgid"`
	OpenKfID       string `json:"open_kfid"`
	ExternalUserID string `json:"external_userid"`
	SendTime       int64  `json:"send_time"`
	Origin         int    `json:"origin"`
	MsgType        string `json:"msgtype"`

	Text *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
	Image *struct {
		MediaID string `json:"media_id"`
	} `json:"image,omitempty"`
	Voice *struct {
		MediaID string `json:"media_id"`
	} `json:"voice,omitempty"`
	Event *struct {
		EventType      string `json:"event_type"`
		OpenKfID       string `json:"open_kfid"`
		ExternalUserID string `json:"external_userid"`
		Scene          string `json:"scene"`
		SceneParam     string `json:"scene_param"`
		WelcomeCode    string `json:"welcome_code"`
	} `json:"event,omitempty"`

	// Raw keeps the original JSON for unknown msgtypes.
	Raw json.RawMessage `json:"-"`
}

// ParseSyncMessage decodes one msg_list entry. Unknown msgtypes are
// normalized to MsgTypeUnknown with the raw payload attached; only
// unparseable JSON is an error.
func ParseSyncMessage(raw json.RawMessage) (SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SyncMessage{}, err
	}
	switch msg.MsgType {
	case MsgTypeText, MsgTypeImage, MsgTypeVoice, MsgTypeEvent:
	default:
		msg.MsgType = MsgTypeUnknown
		msg.Raw = raw
	}
	// Event entries carry the user id inside the event object.
	if msg.MsgType == MsgTypeEvent && msg.Event != nil && msg.ExternalUserID == "" {
		msg.ExternalUserID = msg.Event.ExternalUserID
	}
	return msg, nil
}

// Content returns the routable body: text content for text messages, the
// media id for image/voice, empty otherwise.
func (m SyncMessage) Content() string {
	switch m.MsgType {
	case MsgTypeText:
		if m.Text != nil {
			return m.Text.Content
		}
	case MsgTypeImage:
		if m.Image != nil {
			return m.Image.MediaID
		}
	case MsgTypeVoice:
		if m.Voice != nil {
			return m.Voice.MediaID
		}
	}
	return ""
}

// FromCustomer reports whether the message originated from the end user.
// A zero Origin (field absent) is treated as customer traffic.
func (m SyncMessage) FromCustomer() bool {
	return m.Origin == 0 || m.Origin == OriginCustomer
}
