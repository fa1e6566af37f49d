// KFRelay - WeCom customer-service to gateway relay
// Reference client tests

package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sipeed/kfrelay/pkg/protocol"
)

func TestClientConnectAndRoute(t *testing.T) {
	srv, handler, url := newTestServer(t)

	client := NewClient(url, "gw-cli", testSecret)
	inbound := make(chan protocol.Inbound, 1)
	bindingAcks := make(chan protocol.CreateBindingAck, 1)
	client.OnInbound = func(f protocol.Inbound) { inbound <- f }
	client.OnBindingAck = func(f protocol.CreateBindingAck) { bindingAcks <- f }

	client.Connect()
	defer client.Disconnect()

	waitForRegistration(t, srv.registry, "gw-cli")

	t.Run("inbound delivered to callback", func(t *testing.T) {
		conn, ok := srv.registry.Get("gw-cli")
		if !ok {
			t.Fatal("client not registered")
		}
		err := conn.Send(protocol.Inbound{
			ID:             "i1",
			ExternalUserID: "u1",
			MsgType:        "text",
			Content:        "hi",
			Timestamp:      1700000000,
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}

		select {
		case f := <-inbound:
			if f.ID != "i1" || f.Content != "hi" {
				t.Errorf("got %+v", f)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("inbound never delivered")
		}
	})

	t.Run("reply reaches relay handler", func(t *testing.T) {
		if err := client.SendReply("r1", "u1", "answer"); err != nil {
			t.Fatalf("send reply: %v", err)
		}
		select {
		case reply := <-handler.replies:
			if reply.ID != "r1" || reply.Content != "answer" {
				t.Errorf("got %+v", reply)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("reply never routed")
		}
	})

	t.Run("binding flow", func(t *testing.T) {
		if err := client.CreateBinding(); err != nil {
			t.Fatalf("create binding: %v", err)
		}
		select {
		case ack := <-bindingAcks:
			if ack.Token != "TOKEN-1" {
				t.Errorf("got %+v", ack)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("binding ack never delivered")
		}
	})
}

func TestClientBacksOffAfterRejectedHandshake(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(0, testSecret, registry, newRecordingHandler())

	var dials atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		srv.WSHandler().ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	client := NewClient(url, "gw-bad", "wrong-secret")
	client.Connect()
	defer client.Disconnect()

	// The first attempt is immediate; the retry must wait out the initial
	// one-second backoff, so only one dial lands in this window.
	time.Sleep(600 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Fatalf("expected 1 dial inside the first backoff window, got %d", n)
	}
}

func TestClientDisconnectSuppressesReconnect(t *testing.T) {
	srv, _, url := newTestServer(t)

	client := NewClient(url, "gw-once", testSecret)
	client.Connect()
	waitForRegistration(t, srv.registry, "gw-once")

	client.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := srv.registry.Get("gw-once"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection still registered after disconnect")
}
