// KFRelay - WeCom customer-service to gateway relay
// kf API client tests

package wecom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"
)

func TestSendText(t *testing.T) {
	var lastBody sendMsgRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/cgi-bin/kf/send_msg") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&lastBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"errcode":0,"msgid":"MSG-1"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	t.Run("basic send", func(t *testing.T) {
		msgid, err := client.SendText(context.Background(), "tok", "u1", "wk1", "hello")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msgid != "MSG-1" {
			t.Errorf("got msgid %q", msgid)
		}
		if lastBody.ToUser != "u1" || lastBody.OpenKfID != "wk1" || lastBody.MsgType != "text" {
			t.Errorf("unexpected request: %+v", lastBody)
		}
		if lastBody.Text.Content != "hello" {
			t.Errorf("got content %q", lastBody.Text.Content)
		}
	})

	t.Run("oversized ASCII truncated", func(t *testing.T) {
		_, err := client.SendText(context.Background(), "tok", "u1", "wk1", strings.Repeat("a", 3000))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sent := lastBody.Text.Content
		if len(sent) > MaxTextBytes {
			t.Errorf("sent %d bytes, limit is %d", len(sent), MaxTextBytes)
		}
		if !strings.HasSuffix(sent, "...") {
			t.Error("truncated content must end with ellipsis")
		}
	})

	t.Run("oversized multibyte never splits a rune", func(t *testing.T) {
		_, err := client.SendText(context.Background(), "tok", "u1", "wk1", strings.Repeat("界", 1000))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sent := lastBody.Text.Content
		if len(sent) > MaxTextBytes {
			t.Errorf("sent %d bytes, limit is %d", len(sent), MaxTextBytes)
		}
		if !utf8.ValidString(sent) {
			t.Error("truncation split a code point")
		}
	})
}

func TestSendTextUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errcode":95001,"errmsg":"no valid session"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.SendText(context.Background(), "tok", "u1", "wk1", "hi")

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.Code != 95001 {
		t.Errorf("got code %d", ue.Code)
	}
}

func TestSyncMessages(t *testing.T) {
	var calls atomic.Int32
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncMsgRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		cursors = append(cursors, req.Cursor)

		switch calls.Add(1) {
		case 1:
			fmt.Fprint(w, `{"errcode":0,"next_cursor":"C1","has_more":1,"msg_list":[
				{"msgid":"m1","msgtype":"text","external_userid":"u1","origin":3,"text":{"content":"one"}},
				{"msgid":"m2","msgtype":"text","external_userid":"u1","origin":3,"text":{"content":"two"}}]}`)
		default:
			fmt.Fprint(w, `{"errcode":0,"next_cursor":"C2","has_more":0,"msg_list":[
				{"msgid":"m3","msgtype":"image","external_userid":"u2","origin":3,"image":{"media_id":"MID"}}]}`)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	msgs, err := client.SyncMessages(context.Background(), "tok", "CBTOKEN", "wk1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content() != "one" || msgs[1].Content() != "two" || msgs[2].Content() != "MID" {
		t.Errorf("unexpected batch order: %+v", msgs)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 pages, got %d", calls.Load())
	}
	if len(cursors) != 2 || cursors[0] != "" || cursors[1] != "C1" {
		t.Errorf("cursor sequence wrong: %v", cursors)
	}

	t.Run("cursor survives across walks", func(t *testing.T) {
		_, err := client.SyncMessages(context.Background(), "tok", "CBTOKEN", "wk1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cursors[len(cursors)-1] != "C2" {
			t.Errorf("expected walk to resume from C2, got %q", cursors[len(cursors)-1])
		}
	})
}

func TestSyncMessagesPartialProgress(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"errcode":0,"next_cursor":"C1","has_more":1,"msg_list":[
				{"msgid":"m1","msgtype":"text","external_userid":"u1","origin":3,"text":{"content":"kept"}}]}`)
			return
		}
		fmt.Fprint(w, `{"errcode":45009,"errmsg":"api freq out of limit"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	msgs, err := client.SyncMessages(context.Background(), "tok", "CBTOKEN", "wk1")
	if err == nil {
		t.Fatal("expected upstream error")
	}
	if len(msgs) != 1 || msgs[0].Content() != "kept" {
		t.Errorf("partial progress lost: %+v", msgs)
	}
}

func TestTruncateUTF8(t *testing.T) {
	cases := []struct {
		in       string
		maxBytes int
		want     string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"你好世界", 7, "你好"}, // 3 bytes per rune; 7 fits only two
		{"你好世界", 6, "你好"},
		{"", 5, ""},
	}
	for _, c := range cases {
		got := TruncateUTF8(c.in, c.maxBytes)
		if got != c.want {
			t.Errorf("TruncateUTF8(%q, %d) = %q, want %q", c.in, c.maxBytes, got, c.want)
		}
	}
}
