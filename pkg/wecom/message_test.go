// KFRelay - WeCom customer-service to gateway relay
// Callback envelope and sync_msg parsing tests

package wecom

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseCallbackEnvelope(t *testing.T) {
	t.Run("CDATA values", func(t *testing.T) {
		data := []byte(`<xml>
			<ToUserName><![CDATA[wwcorp]]></ToUserName>
			<CreateTime>1700000000</CreateTime>
			<MsgType><![CDATA[event]]></MsgType>
			<Event><![CDATA[kf_msg_or_event]]></Event>
			<Token><![CDATA[SYNCTOKEN]]></Token>
			<OpenKfId><![CDATA[wkxxxx]]></OpenKfId>
		</xml>`)
		env, err := ParseCallbackEnvelope(data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.ToUserName != "wwcorp" || env.MsgType != "event" ||
			env.Event != "kf_msg_or_event" || env.Token != "SYNCTOKEN" || env.OpenKfID != "wkxxxx" {
			t.Errorf("unexpected envelope: %+v", env)
		}
		if env.CreateTime != 1700000000 {
			t.Errorf("create time: got %d", env.CreateTime)
		}
	})

	t.Run("bare values", func(t *testing.T) {
		data := []byte(`<xml><ToUserName>corp</ToUserName><MsgType>event</MsgType></xml>`)
		env, err := ParseCallbackEnvelope(data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.ToUserName != "corp" {
			t.Errorf("expected bare value parsed, got %+v", env)
		}
		// Missing fields stay empty; the signature check upstream is
		// authoritative.
		if env.Token != "" || env.Event != "" {
			t.Errorf("expected empty optional fields, got %+v", env)
		}
	})
}

func TestExtractEncryptedBody(t *testing.T) {
	data := []byte(`<xml><Encrypt><![CDATA[CIPHERTEXT]]></Encrypt></xml>`)
	enc, err := ExtractEncryptedBody(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc != "CIPHERTEXT" {
		t.Errorf("got %q", enc)
	}

	_, err = ExtractEncryptedBody([]byte(`<xml><Other>x</Other></xml>`))
	if !errors.Is(err, ErrNoEncryptField) {
		t.Errorf("expected ErrNoEncryptField, got %v", err)
	}
}

func TestParseSyncMessage(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		msg, err := ParseSyncMessage(json.RawMessage(`{
			"msgid":"M1","open_kfid":"wk1","external_userid":"u1",
			"send_time":1700000000,"origin":3,"msgtype":"text",
			"text":{"content":"hello"}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.MsgType != MsgTypeText || msg.Content() != "hello" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if !msg.FromCustomer() {
			t.Error("origin 3 should be customer traffic")
		}
	})

	t.Run("image media id", func(t *testing.T) {
		msg, err := ParseSyncMessage(json.RawMessage(`{
			"msgtype":"image","external_userid":"u2","origin":3,
			"image":{"media_id":"MID-1"}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Content() != "MID-1" {
			t.Errorf("expected media id as content, got %q", msg.Content())
		}
	})

	t.Run("servicer origin filtered", func(t *testing.T) {
		msg, _ := ParseSyncMessage(json.RawMessage(`{"msgtype":"text","origin":4,"text":{"content":"x"}}`))
		if msg.FromCustomer() {
			t.Error("origin 4 must not be customer traffic")
		}
	})

	t.Run("event carries user id", func(t *testing.T) {
		msg, err := ParseSyncMessage(json.RawMessage(`{
			"msgtype":"event",
			"event":{"event_type":"enter_session","external_userid":"u3","scene_param":"T1"}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.ExternalUserID != "u3" {
			t.Errorf("expected user id lifted from event, got %q", msg.ExternalUserID)
		}
		if msg.Event == nil || msg.Event.SceneParam != "T1" {
			t.Errorf("unexpected event: %+v", msg.Event)
		}
	})

	t.Run("unknown msgtype preserved", func(t *testing.T) {
		raw := json.RawMessage(`{"msgtype":"miniprogram","external_userid":"u4"}`)
		msg, err := ParseSyncMessage(raw)
		if err != nil {
			t.Fatalf("unknown msgtype must not fail: %v", err)
		}
		if msg.MsgType != MsgTypeUnknown {
			t.Errorf("expected unknown, got %q", msg.MsgType)
		}
		if msg.Content() != "" {
			t.Errorf("unknown content must be empty, got %q", msg.Content())
		}
		if len(msg.Raw) == 0 {
			t.Error("raw payload should be kept for unknown msgtypes")
		}
	})
}
