// Package gateway implements the callback endpoint of the messaging
// platform: the GET verification handshake and the POST delivery cycle
// that answers every message with an encrypted stream reply.
//
// A delivery is authenticated by its signature: every account mounted on
// the request path is tried until one token verifies the tuple. The
// matching account's codec then decrypts the payload, the gateway
// dispatches or polls the generation stream, and the reply is encrypted
// with the same codec.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/section9-dev/aramaki/common/trace"
	"github.com/section9-dev/aramaki/internal/aramaki/accounts"
	"github.com/section9-dev/aramaki/internal/aramaki/genbackend"
	"github.com/section9-dev/aramaki/internal/aramaki/message"
	"github.com/section9-dev/aramaki/internal/aramaki/notify"
	"github.com/section9-dev/aramaki/internal/aramaki/registry"
	"github.com/section9-dev/aramaki/internal/aramaki/stream"
	"github.com/section9-dev/aramaki/internal/aramaki/wxcrypt"
)

// DefaultFirstChunkWait bounds how long a new-message delivery blocks
// waiting for the first generated segment before answering with an empty
// placeholder. The platform retries a callback that takes much longer, so
// this must stay well under its timeout.
const DefaultFirstChunkWait = 800 * time.Millisecond

// defaultMaxBodyBytes caps inbound request bodies to prevent memory
// exhaustion from oversized payloads.
const defaultMaxBodyBytes = 1 * 1024 * 1024 // 1 MiB

// Sender is the minimal interface the gateway needs for proactive
// welcome messages.
type Sender interface {
	Send(ctx context.Context, acc accounts.Account, recipient, text string) (string, error)
}

// Config holds options for creating a Handler.
type Config struct {
	Registry *registry.Registry
	Streams  *stream.Store
	Backend  genbackend.Dispatcher

	// Sender delivers welcome messages. Optional; when nil, subscribe
	// events are acknowledged without a welcome.
	Sender Sender

	// FirstChunkWait overrides DefaultFirstChunkWait when positive.
	FirstChunkWait time.Duration

	// MaxBodyBytes overrides the 1 MiB request body cap when positive.
	MaxBodyBytes int64
}

// Handler serves the platform callback endpoint for every registered
// account path.
type Handler struct {
	registry  *registry.Registry
	streams   *stream.Store
	backend   genbackend.Dispatcher
	sender    Sender
	firstWait time.Duration
	maxBody   int64
}

// New creates a Handler.
func New(cfg Config) *Handler {
	wait := cfg.FirstChunkWait
	if wait <= 0 {
		wait = DefaultFirstChunkWait
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{
		registry:  cfg.Registry,
		streams:   cfg.Streams,
		backend:   cfg.Backend,
		sender:    cfg.Sender,
		firstWait: wait,
		maxBody:   maxBody,
	}
}

// RouteRegistrar is satisfied by *http.ServeMux and by app.Server's
// Handle method, allowing the Handler to register its routes without
// importing the app package directly.
type RouteRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

// RegisterRoutes mounts the callback handler at the root so every
// account-configured path resolves through the registry.
func (h *Handler) RegisterRoutes(r RouteRegistrar) {
	r.Handle("/", http.HandlerFunc(h.handleCallback))
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := trace.WithID(r.Context(), trace.NewID())

	// Expired streams are reaped at the start of every request rather
	// than by a background ticker; an idle gateway holds no timers.
	h.streams.Prune()

	targets := h.registry.Lookup(registry.NormalizePath(r.URL.Path))
	if len(targets) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleHandshake(ctx, w, r, targets)
	case http.MethodPost:
		h.handleDelivery(ctx, w, r, targets)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHandshake answers the platform's URL verification: the signed
// echostr is decrypted and returned as plain text.
func (h *Handler) handleHandshake(ctx context.Context, w http.ResponseWriter, r *http.Request, targets []*registry.Target) {
	q := r.URL.Query()
	sig := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")
	if sig == "" || timestamp == "" || nonce == "" || echostr == "" {
		http.Error(w, "missing verification parameters", http.StatusBadRequest)
		return
	}

	target := authenticate(targets, timestamp, nonce, echostr, sig)
	if target == nil {
		slog.Info("gateway: handshake signature mismatch",
			"trace_id", trace.FromContext(ctx), "path", r.URL.Path)
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}
	if target.Codec == nil {
		slog.Error("gateway: account has no key material",
			"trace_id", trace.FromContext(ctx), "account", target.Account.Name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	plain, err := target.Codec.Decrypt(echostr)
	if err != nil {
		slog.Info("gateway: handshake decrypt failed",
			"trace_id", trace.FromContext(ctx), "account", target.Account.Name, "err", err)
		http.Error(w, "invalid echostr", http.StatusBadRequest)
		return
	}

	slog.Info("gateway: handshake verified",
		"trace_id", trace.FromContext(ctx), "account", target.Account.Name)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(plain) //nolint:errcheck
}

// handleDelivery runs the POST cycle: authenticate, decrypt, dispatch,
// answer with an encrypted stream reply.
func (h *Handler) handleDelivery(ctx context.Context, w http.ResponseWriter, r *http.Request, targets []*registry.Target) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.maxBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	env, err := message.ParseEnvelope(body, r.URL.Query())
	if err != nil {
		slog.Info("gateway: malformed envelope",
			"trace_id", trace.FromContext(ctx), "path", r.URL.Path, "err", err)
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	target := authenticate(targets, env.Timestamp, env.Nonce, env.Encrypt, env.Signature)
	if target == nil {
		slog.Info("gateway: delivery signature mismatch",
			"trace_id", trace.FromContext(ctx), "path", r.URL.Path)
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}
	if target.Codec == nil {
		slog.Error("gateway: account has no key material",
			"trace_id", trace.FromContext(ctx), "account", target.Account.Name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	plain, err := target.Codec.Decrypt(env.Encrypt)
	if err != nil {
		slog.Info("gateway: decrypt failed",
			"trace_id", trace.FromContext(ctx), "account", target.Account.Name, "err", err)
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}

	in, err := message.DecodeInbound(plain)
	if err != nil {
		slog.Info("gateway: malformed message",
			"trace_id", trace.FromContext(ctx), "account", target.Account.Name, "err", err)
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	switch in.Type {
	case message.TypeStream:
		h.replyStreamState(ctx, w, target, in.StreamID)
	case message.TypeText:
		h.handleText(ctx, w, target, in)
	case message.TypeEvent:
		h.handleEvent(ctx, w, target, in)
	default:
		// Unsupported content types are acknowledged, not rejected, so
		// the platform stops retrying them.
		slog.Info("gateway: unsupported message type",
			"trace_id", trace.FromContext(ctx), "account", target.Account.Name, "type", in.Type)
		h.writeEncrypted(ctx, w, target, nil)
	}
}

// handleText starts a generation stream for a new message, or replays the
// existing stream when the platform redelivers a message ID it already
// handed us.
func (h *Handler) handleText(ctx context.Context, w http.ResponseWriter, target *registry.Target, in *message.Inbound) {
	if in.MsgID != "" {
		if id, ok := h.streams.LookupMessage(in.MsgID); ok {
			slog.Info("gateway: duplicate delivery",
				"trace_id", trace.FromContext(ctx), "account", target.Account.Name,
				"msg_id", in.MsgID, "stream_id", id)
			h.replyStreamState(ctx, w, target, id)
			return
		}
	}

	id := uuid.NewString()
	h.streams.Create(id, in.MsgID)
	h.streams.MarkStarted(id)
	h.notify(ctx, target, notify.Event{
		Kind:     notify.KindStarted,
		StreamID: id,
		MsgID:    in.MsgID,
	})

	go h.dispatch(trace.FromContext(ctx), target, id, genbackend.Request{
		StreamID: id,
		User:     in.FromUser,
		ChatID:   in.ChatID,
		Content:  in.Content,
	})

	// Give fast backends a chance to answer inline; otherwise reply with
	// an empty placeholder the platform will poll.
	h.streams.WaitFirst(ctx, id, h.firstWait)
	h.replyStreamState(ctx, w, target, id)
}

// dispatch runs the generation backend for one stream. It is detached
// from the request context: the delivery returns after the first chunk
// while generation keeps going, bounded by the stream TTL.
func (h *Handler) dispatch(traceID string, target *registry.Target, id string, req genbackend.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), h.streams.TTL())
	defer cancel()
	ctx = trace.WithID(ctx, traceID)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("gateway: backend panic",
				"trace_id", traceID, "account", target.Account.Name,
				"stream_id", id, "panic", rec)
			h.streams.Fail(id, "internal error")
			h.notify(ctx, target, notify.Event{
				Kind:     notify.KindFailed,
				StreamID: id,
				Error:    "panic",
			})
		}
	}()

	err := h.backend.Dispatch(ctx, req, genbackend.Hooks{
		OnChunk: func(text string) {
			h.streams.Append(id, text)
			h.notify(ctx, target, notify.Event{
				Kind:     notify.KindUpdated,
				StreamID: id,
			})
		},
	})
	if err != nil {
		slog.Error("gateway: generation failed",
			"trace_id", traceID, "account", target.Account.Name,
			"stream_id", id, "err", err)
		h.streams.Fail(id, "generation failed, please try again")
		h.notify(ctx, target, notify.Event{
			Kind:     notify.KindFailed,
			StreamID: id,
			Error:    err.Error(),
		})
		return
	}

	h.streams.Finish(id)
	h.notify(ctx, target, notify.Event{
		Kind:     notify.KindFinished,
		StreamID: id,
	})
}

// handleEvent acknowledges platform events. Subscribe-style events
// additionally trigger a best-effort welcome message outside the
// callback cycle.
func (h *Handler) handleEvent(ctx context.Context, w http.ResponseWriter, target *registry.Target, in *message.Inbound) {
	welcome := in.Event == message.EventSubscribe || in.Event == message.EventEnterChat
	if welcome && target.Account.WelcomeText != "" && h.sender != nil {
		recipient := in.ChatID
		if recipient == "" {
			recipient = in.FromUser
		}
		acc := target.Account
		text := acc.WelcomeText
		traceID := trace.FromContext(ctx)

		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := h.sender.Send(sctx, acc, recipient, text); err != nil {
				slog.Warn("gateway: welcome message failed",
					"trace_id", traceID, "account", acc.Name, "err", err)
			}
		}()
	}

	// Events are answered with an encrypted empty payload.
	h.writeEncrypted(ctx, w, target, nil)
}

// replyStreamState answers with the stream's accumulated content. An
// unknown or expired stream ID terminates the poll cycle with an empty
// finished reply instead of an error the platform would retry.
func (h *Handler) replyStreamState(ctx context.Context, w http.ResponseWriter, target *registry.Target, id string) {
	reply := message.StreamReply{ID: id, Finish: true}
	if rep, ok := h.streams.Read(id); ok {
		reply.Finish = rep.Finished
		reply.Content = rep.Content
	}

	plain, err := message.EncodeStreamReply(reply)
	if err != nil {
		slog.Error("gateway: encode reply failed",
			"trace_id", trace.FromContext(ctx), "stream_id", id, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.writeEncrypted(ctx, w, target, plain)
}

// writeEncrypted encrypts plaintext with the target's codec, signs the
// result with a fresh nonce, and writes the JSON response envelope.
func (h *Handler) writeEncrypted(ctx context.Context, w http.ResponseWriter, target *registry.Target, plaintext []byte) {
	ciphertext, err := target.Codec.Encrypt(plaintext)
	if err != nil {
		slog.Error("gateway: encrypt failed",
			"trace_id", trace.FromContext(ctx), "account", target.Account.Name, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	reply := message.NewEncryptedReply(ciphertext, time.Now().Unix(), newNonce(),
		func(ts, nonce, ct string) string {
			return wxcrypt.Sign(target.Account.Token, ts, nonce, ct)
		})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		slog.Warn("gateway: write response failed",
			"trace_id", trace.FromContext(ctx), "err", err)
	}
}

// notify publishes a stream lifecycle event on the target's sink. Best
// effort: failures are logged, never surfaced to the platform.
func (h *Handler) notify(ctx context.Context, target *registry.Target, ev notify.Event) {
	if target.Sink == nil {
		return
	}
	ev.Account = target.Account.Name
	ev.At = time.Now().UTC()
	if err := target.Sink.StreamEvent(ctx, ev); err != nil {
		slog.Warn("gateway: notify failed",
			"trace_id", trace.FromContext(ctx), "account", target.Account.Name,
			"kind", string(ev.Kind), "err", err)
	}
}

// authenticate returns the first target whose token verifies the
// signature tuple, or nil when none does.
func authenticate(targets []*registry.Target, timestamp, nonce, ciphertext, sig string) *registry.Target {
	for _, t := range targets {
		if wxcrypt.Verify(t.Account.Token, timestamp, nonce, ciphertext, sig) {
			return t
		}
	}
	return nil
}

func newNonce() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
