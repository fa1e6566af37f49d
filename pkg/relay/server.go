// KFRelay - WeCom customer-service to gateway relay
// HTTP ingress and orchestration: wires crypto, pump, dispatch, gateways

package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/kfrelay/pkg/binding"
	"github.com/sipeed/kfrelay/pkg/bus"
	"github.com/sipeed/kfrelay/pkg/config"
	"github.com/sipeed/kfrelay/pkg/gateway"
	"github.com/sipeed/kfrelay/pkg/logger"
	"github.com/sipeed/kfrelay/pkg/protocol"
	"github.com/sipeed/kfrelay/pkg/wecom"
)

// Relay owns every long-lived component and the two listeners.
type Relay struct {
	cfg    *config.Config
	aesKey wecom.AESKey

	bindings   binding.Store
	registry   *gateway.Registry
	bus        *bus.MessageBus
	tokens     *wecom.TokenSource
	client     *wecom.Client
	engine     *Engine
	dispatcher *Dispatcher
	wsServer   *gateway.Server

	httpSrv *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a relay from configuration. Only configuration problems are
// fatal here; runtime failures are handled per request.
func New(cfg *config.Config) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	aesKey, err := wecom.DecodeEncodingAESKey(cfg.WeCom.EncodingAESKey)
	if err != nil {
		return nil, fmt.Errorf("decode encoding AES key: %w", err)
	}

	var store binding.Store
	if cfg.Bindings.Path != "" {
		store, err = binding.NewSQLiteStore(cfg.Bindings.Path)
		if err != nil {
			return nil, fmt.Errorf("open binding store: %w", err)
		}
	} else {
		store = binding.NewMemoryStore()
	}

	r := &Relay{
		cfg:      cfg,
		aesKey:   aesKey,
		bindings: store,
		registry: gateway.NewRegistry(),
		bus:      bus.NewMessageBus(),
		tokens:   wecom.NewTokenSource(cfg.WeCom.CorpID, cfg.WeCom.AppSecret, wecom.APIBase),
		client:   wecom.NewClient(wecom.APIBase),
	}
	r.engine = NewEngine(r.tokens, r.client, cfg.WeCom.OpenKfID)
	r.dispatcher = NewDispatcher(r.bindings, r.registry, r.engine, cfg.Locale)
	r.wsServer = gateway.NewServer(cfg.Server.WSPort, cfg.Server.AuthSecret, r.registry, r)
	return r, nil
}

// Start brings up both listeners and the background workers.
func (r *Relay) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if err := r.wsServer.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(r.cfg.Server.CallbackPath, r.handleCallback)
	mux.HandleFunc("/bindings/create", r.handleCreateBindingHTTP)
	mux.HandleFunc("/bindings/unbind_all", r.handleUnbindAllHTTP)
	mux.HandleFunc("/health", r.handleHealth)

	r.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", r.cfg.Server.Host, r.cfg.Server.HTTPPort),
		Handler: mux,
	}

	go func() {
		logger.InfoCF("relay", "Callback server listening", map[string]any{
			"addr": r.httpSrv.Addr,
			"path": r.cfg.Server.CallbackPath,
		})
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("relay", "Callback server failed", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	r.wg.Add(2)
	go r.syncWorker(ctx)
	go r.replyWorker(ctx)
	return nil
}

// Stop shuts both listeners down, closes every gateway connection with a
// normal close frame, and drains the workers.
func (r *Relay) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	var firstErr error
	if err := r.wsServer.Stop(ctx); err != nil {
		firstErr = err
	}
	if r.httpSrv != nil {
		if err := r.httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.wg.Wait()
	if err := r.bindings.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// syncWorker walks the sync_msg cursor for each webhook notification and
// dispatches the drained messages.
func (r *Relay) syncWorker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.bus.SyncEvents():
			r.pumpMessages(ctx, ev)
		}
	}
}

func (r *Relay) pumpMessages(ctx context.Context, ev bus.SyncEvent) {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		logger.ErrorCF("relay", "Cannot sync messages, token unavailable", map[string]any{
			"error": err.Error(),
		})
		return
	}

	msgs, err := r.client.SyncMessages(ctx, token, ev.Token, ev.OpenKfID)
	if err != nil {
		// Partial batches are still dispatched; duplicates are tolerated.
		logger.WarnCF("relay", "sync_msg walk failed", map[string]any{
			"open_kfid": ev.OpenKfID,
			"drained":   len(msgs),
			"error":     err.Error(),
		})
	}
	if len(msgs) > 0 {
		r.dispatcher.DispatchBatch(ctx, msgs)
	}
}

func (r *Relay) replyWorker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.bus.ReplyEvents():
			if err := r.engine.Deliver(ctx, ev.Reply); err != nil {
				if conn, ok := r.registry.Get(ev.GatewayID); ok {
					_ = conn.Send(protocol.Error{
						Message: fmt.Sprintf("reply %s failed: %v", ev.Reply.ID, err),
					})
				}
			}
		}
	}
}

// HandleReply implements gateway.Handler.
func (r *Relay) HandleReply(gatewayID string, reply protocol.Reply) {
	r.bus.PublishReply(bus.ReplyEvent{GatewayID: gatewayID, Reply: reply})
}

// HandleCreateBinding implements gateway.Handler.
func (r *Relay) HandleCreateBinding(gatewayID string) (string, string, error) {
	ttl := time.Duration(r.cfg.Bindings.PendingTTLSeconds) * time.Second
	token, err := r.bindings.CreatePending(gatewayID, ttl)
	if err != nil {
		return "", "", err
	}
	logger.InfoCF("relay", "Pending binding created", map[string]any{
		"gateway_id": gatewayID,
	})
	return token, r.cfg.WeCom.KfURL, nil
}

// HandleUnbindAll implements gateway.Handler.
func (r *Relay) HandleUnbindAll(gatewayID string) (int, error) {
	return r.bindings.UnbindAll(gatewayID)
}

// handleCallback serves the WeCom webhook: GET is the URL verification
// echo, POST is the encrypted event notification.
func (r *Relay) handleCallback(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.handleVerify(w, req)
	case http.MethodPost:
		r.handleWebhook(w, req)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Relay) handleVerify(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	sig := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")

	if !wecom.VerifySignature(r.cfg.WeCom.Token, sig, timestamp, nonce, echostr) {
		logger.WarnC("relay", "URL verification with bad signature")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	plaintext, err := wecom.Decrypt(echostr, r.aesKey, r.cfg.WeCom.CorpID)
	if err != nil {
		logger.ErrorCF("relay", "URL verification decrypt failed", map[string]any{
			"error": err.Error(),
		})
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}

	logger.InfoC("relay", "URL verification succeeded")
	fmt.Fprint(w, plaintext)
}

func (r *Relay) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	q := req.URL.Query()
	sig := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")

	encrypted, err := wecom.ExtractEncryptedBody(body)
	if err != nil {
		logger.WarnCF("relay", "Webhook without Encrypt field", map[string]any{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusOK)
		return
	}

	// Bad signatures are dropped without acknowledgment text; WeCom
	// retries on its own schedule.
	if !wecom.VerifySignature(r.cfg.WeCom.Token, sig, timestamp, nonce, encrypted) {
		logger.WarnC("relay", "Webhook with bad signature dropped")
		w.WriteHeader(http.StatusOK)
		return
	}

	plaintext, err := wecom.Decrypt(encrypted, r.aesKey, r.cfg.WeCom.CorpID)
	if err != nil {
		logger.ErrorCF("relay", "Webhook decrypt failed", map[string]any{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusOK)
		return
	}

	env, err := wecom.ParseCallbackEnvelope([]byte(plaintext))
	if err != nil {
		logger.WarnCF("relay", "Unparseable webhook envelope", map[string]any{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusOK)
		return
	}

	// Acknowledge before the cursor walk; the pump runs off-thread.
	if env.MsgType == "event" && env.Event == "kf_msg_or_event" {
		r.bus.PublishSync(bus.SyncEvent{Token: env.Token, OpenKfID: env.OpenKfID})
	}
	fmt.Fprint(w, "success")
}

type createBindingRequest struct {
	GatewayID string `json:"gateway_id"`
}

type createBindingResponse struct {
	Token              string `json:"token"`
	CustomerServiceURL string `json:"customer_service_url"`
}

type unbindAllResponse struct {
	Count int `json:"count"`
}

// authorized checks the shared secret on the gateway-facing HTTP
// endpoints.
func (r *Relay) authorized(req *http.Request) bool {
	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.cfg.Server.AuthSecret)) == 1
}

func (r *Relay) handleCreateBindingHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.authorized(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body createBindingRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.GatewayID == "" {
		http.Error(w, "gateway_id required", http.StatusBadRequest)
		return
	}

	token, url, err := r.HandleCreateBinding(body.GatewayID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(createBindingResponse{
		Token:              token,
		CustomerServiceURL: url,
	})
}

func (r *Relay) handleUnbindAllHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.authorized(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body createBindingRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.GatewayID == "" {
		http.Error(w, "gateway_id required", http.StatusBadRequest)
		return
	}

	count, err := r.HandleUnbindAll(body.GatewayID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(unbindAllResponse{Count: count})
}

func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"gateways": r.registry.Len(),
	})
}
