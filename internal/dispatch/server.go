package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"

	"github.com/claudio-sh/claudio/internal/config"
	"github.com/claudio-sh/claudio/internal/pipeline"
)

const (
	// maxBodyBytes caps webhook request bodies.
	maxBodyBytes = 1 << 20
	// healthCacheTTL throttles upstream webhook checks.
	healthCacheTTL = 30 * time.Second
)

// TelegramAdmin is the webhook management slice of the Telegram client,
// used by the health endpoint to detect and repair lost registrations.
type TelegramAdmin interface {
	WebhookInfo(ctx context.Context) (string, error)
	RegisterWebhook(ctx context.Context, url, secret string) error
}

// Runtime binds one bot's configuration to its pipeline handlers. Nil
// fields mean the platform is not configured for that bot.
type Runtime struct {
	Cfg      *config.BotConfig
	Telegram *pipeline.Handler
	WhatsApp *pipeline.Handler
	Admin    TelegramAdmin
}

// Resolver finds runtimes for incoming webhooks.
type Resolver interface {
	Runtime(botID string) (*Runtime, bool)
	RuntimeBySecret(token string) (*Runtime, bool)
	RuntimeByPhoneNumberID(phoneNumberID string) (*Runtime, bool)
	Runtimes() []*Runtime
	// Reload rescans bot configurations on demand.
	Reload()
}

// Server is the webhook HTTP front end.
type Server struct {
	addr      string
	publicURL string
	resolver  Resolver
	log       *slog.Logger

	queues   *queueSet
	dedup    *dedup
	groups   *mediaGroups
	verifier *alexaVerifier
	sessions *alexaSessions

	// verifyAlexa defaults to verifier.Verify; swappable in tests.
	verifyAlexa func(certURL, signature string, body []byte) error

	healthMu     sync.Mutex
	healthAt     time.Time
	healthReport healthReport

	draining atomic.Bool
	httpSrv  *http.Server
}

// NewServer wires the front end. publicURL is the externally reachable
// base URL webhooks were registered under.
func NewServer(addr, publicURL string, resolver Resolver, log *slog.Logger) *Server {
	s := &Server{
		addr:      addr,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		resolver:  resolver,
		log:       log,
		queues:    newQueueSet(log),
		dedup:     newDedup(),
		verifier:  newAlexaVerifier(),
		sessions:  newAlexaSessions(),
	}
	s.groups = newMediaGroups(s.flushMediaGroup)
	s.verifyAlexa = s.verifier.Verify

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{botID}", s.handleTelegram)
	mux.HandleFunc("POST /webhook", s.handleTelegramBySecret)
	mux.HandleFunc("GET /whatsapp/webhook", s.handleWhatsAppVerify)
	mux.HandleFunc("POST /whatsapp/webhook", s.handleWhatsApp)
	mux.HandleFunc("POST /alexa/{botID}", s.handleAlexa)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /reload", s.handleReload)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.log.Info("dispatch.listen", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in order: stop accepting, flush buffered albums into
// the queues, wait for queued work, then close the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.groups.Stop()
	if err := s.queues.Shutdown(ctx); err != nil {
		s.log.Warn("dispatch.drain_timeout", "error", err)
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleTelegram accepts one bot API update. The response is 200 before
// any work happens: Telegram redelivers on anything else, and redelivery
// is worse than a drop.
func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	botID := r.PathValue("botID")
	rt, ok := s.resolver.Runtime(botID)
	if !ok || rt.Telegram == nil {
		http.NotFound(w, r)
		return
	}
	secret := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if rt.Cfg.WebhookSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(rt.Cfg.WebhookSecret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.processTelegram(w, r, rt)
}

// handleTelegramBySecret serves the bare /webhook route, resolving the
// bot by its secret token alone.
func (s *Server) handleTelegramBySecret(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	token := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	rt, ok := s.resolver.RuntimeBySecret(token)
	if !ok || rt.Telegram == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.processTelegram(w, r, rt)
}

// processTelegram reads and dispatches one authenticated update.
func (s *Server) processTelegram(w http.ResponseWriter, r *http.Request, rt *Runtime) {
	botID := rt.Cfg.ID
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		s.log.Warn("dispatch.bad_update", "bot", botID, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.dedup.Seen(botID, strconv.Itoa(update.UpdateID)) {
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.groups.Add(botID, &update) {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.enqueueTelegram(botID, rt, &update, nil)
	w.WriteHeader(http.StatusOK)
}

// handleReload rescans bot configurations. Local-only convenience next
// to the fsnotify watcher.
func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	s.resolver.Reload()
	s.log.Info("dispatch.reloaded")
	writeJSON(w, map[string]string{"status": "reloaded"})
}

// flushMediaGroup dispatches a coalesced album once its quiet period
// elapses.
func (s *Server) flushMediaGroup(botID string, lead *telego.Update, extra []string) {
	rt, ok := s.resolver.Runtime(botID)
	if !ok || rt.Telegram == nil {
		return
	}
	s.enqueueTelegram(botID, rt, lead, extra)
}

func (s *Server) enqueueTelegram(botID string, rt *Runtime, update *telego.Update, extra []string) {
	p := pipeline.ParseTelegram(update, extra)
	if p == nil {
		return
	}
	key := botID + ":" + p.ChatID
	s.queues.Submit(key, func(ctx context.Context) {
		rt.Telegram.Handle(ctx, p)
	})
}

// handleWhatsAppVerify answers the Cloud API subscription challenge.
func (s *Server) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	token := q.Get("hub.verify_token")
	if token == "" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	for _, rt := range s.resolver.Runtimes() {
		want := rt.Cfg.WhatsAppVerifyToken
		if want != "" && subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			fmt.Fprint(w, q.Get("hub.challenge"))
			return
		}
	}
	http.Error(w, "forbidden", http.StatusForbidden)
}

// handleWhatsApp accepts a Cloud API delivery. The payload routes to a
// bot by phone number id; nothing is acted on until the HMAC signature
// checks out against that bot's app secret.
func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	phoneNumberID, msg, err := pipeline.ParseWhatsApp(body)
	if err != nil {
		s.log.Warn("dispatch.bad_whatsapp_payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if phoneNumberID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	rt, ok := s.resolver.RuntimeByPhoneNumberID(phoneNumberID)
	if !ok || rt.WhatsApp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if !verifyMetaSignature(rt.Cfg.WhatsAppAppSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		s.log.Warn("dispatch.bad_whatsapp_signature", "bot", rt.Cfg.ID)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if msg == nil {
		// Status-only delivery.
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.dedup.Seen(rt.Cfg.ID, msg.MessageID) {
		w.WriteHeader(http.StatusOK)
		return
	}
	p := msg
	key := rt.Cfg.ID + ":" + p.ChatID
	s.queues.Submit(key, func(ctx context.Context) {
		rt.WhatsApp.Handle(ctx, p)
	})
	w.WriteHeader(http.StatusOK)
}

// verifyMetaSignature checks the X-Hub-Signature-256 header.
func verifyMetaSignature(appSecret, header string, body []byte) bool {
	if appSecret == "" {
		return false
	}
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}

// handleAlexa relays a voice conversation to the bot's Telegram chat.
// Each utterance buffers in its session; the buffer flushes as one
// synthetic Telegram update through the normal queue when the user ends
// the conversation.
func (s *Server) handleAlexa(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.verifyAlexa(
		r.Header.Get("SignatureCertChainUrl"),
		r.Header.Get("Signature"),
		body,
	); err != nil {
		s.log.Warn("dispatch.bad_alexa_signature", "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req alexaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	strs := stringsForLocale(req.Request.Locale)

	if s.draining.Load() {
		writeJSON(w, alexaResponse(strs.ShuttingDown, true, ""))
		return
	}
	rt, ok := s.resolver.Runtime(r.PathValue("botID"))
	if !ok || rt.Telegram == nil || rt.Cfg.TelegramChatID == "" {
		http.NotFound(w, r)
		return
	}

	switch req.Request.Type {
	case "LaunchRequest":
		writeJSON(w, alexaResponse(strs.Launch, false, strs.Reprompt))
	case "SessionEndedRequest":
		s.flushAlexaSession(rt, req.Session.SessionID)
		writeJSON(w, map[string]any{"version": "1.0", "response": map[string]any{}})
	case "IntentRequest":
		s.handleAlexaIntent(w, rt, &req, strs)
	default:
		writeJSON(w, alexaResponse(strs.Unknown, true, ""))
	}
}

func (s *Server) handleAlexaIntent(w http.ResponseWriter, rt *Runtime, req *alexaRequest, strs alexaStrings) {
	sessionID := req.Session.SessionID
	switch req.Request.Intent.Name {
	case "AMAZON.StopIntent", "AMAZON.CancelIntent", "AMAZON.NoIntent":
		goodbye := strs.GoodbyeEmpty
		if s.sessions.HasMessages(sessionID) {
			goodbye = strs.Goodbye
		}
		s.flushAlexaSession(rt, sessionID)
		writeJSON(w, alexaResponse(goodbye, true, ""))
		return
	case "AMAZON.HelpIntent":
		writeJSON(w, alexaResponse(strs.Help, false, strs.Reprompt))
		return
	case "AMAZON.FallbackIntent":
		writeJSON(w, alexaResponse(strs.Fallback, false, strs.Reprompt))
		return
	}

	message := req.queryText()
	if message == "" {
		writeJSON(w, alexaResponse(strs.NoMessage, false, strs.Reprompt))
		return
	}
	s.sessions.Buffer(sessionID, message)
	writeJSON(w, alexaResponse(strs.Buffered, false, strs.Reprompt))
}

// flushAlexaSession drains one session's buffer into the Telegram
// pipeline as a single synthetic update, sharing dedup and per-chat
// queue semantics with real webhooks.
func (s *Server) flushAlexaSession(rt *Runtime, sessionID string) {
	messages := s.sessions.Flush(sessionID)
	if len(messages) == 0 {
		return
	}
	chatID, err := strconv.ParseInt(rt.Cfg.TelegramChatID, 10, 64)
	if err != nil {
		s.log.Warn("dispatch.alexa_bad_chat_id", "bot", rt.Cfg.ID, "error", err)
		return
	}
	updateID := s.sessions.NextUpdateID()
	update := &telego.Update{
		UpdateID: updateID,
		Message: &telego.Message{
			MessageID: updateID,
			Date:      s.sessions.now().Unix(),
			Chat:      telego.Chat{ID: chatID, Type: "private"},
			From:      &telego.User{ID: chatID, FirstName: "Alexa"},
			Text:      alexaTranscript(messages),
		},
	}
	s.log.Info("dispatch.alexa_flush", "bot", rt.Cfg.ID, "messages", len(messages))
	if s.dedup.Seen(rt.Cfg.ID, strconv.Itoa(updateID)) {
		return
	}
	s.enqueueTelegram(rt.Cfg.ID, rt, update, nil)
}

// handleHealth reports webhook registration state per bot, re-registering
// any that drifted. Results cache briefly so probes stay cheap.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	report := s.healthCheck(r.Context())
	if report.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, report)
}

type healthReport struct {
	Status string            `json:"status"`
	Bots   map[string]string `json:"bots"`
}

func (s *Server) healthCheck(ctx context.Context) healthReport {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if time.Since(s.healthAt) < healthCacheTTL && s.healthReport.Status != "" {
		return s.healthReport
	}

	report := healthReport{Status: "ok", Bots: make(map[string]string)}
	for _, rt := range s.resolver.Runtimes() {
		if rt.Admin == nil {
			continue
		}
		id := rt.Cfg.ID
		expected := s.publicURL + "/webhook/" + id
		current, err := rt.Admin.WebhookInfo(ctx)
		if err != nil {
			report.Status = "degraded"
			report.Bots[id] = "webhook check failed: " + err.Error()
			continue
		}
		if current == expected {
			report.Bots[id] = "ok"
			continue
		}
		if err := rt.Admin.RegisterWebhook(ctx, expected, rt.Cfg.WebhookSecret); err != nil {
			report.Status = "degraded"
			report.Bots[id] = "webhook re-registration failed: " + err.Error()
			continue
		}
		s.log.Warn("dispatch.webhook_restored", "bot", id, "was", current, "now", expected)
		report.Bots[id] = "re-registered"
	}

	// Only healthy results cache; a degraded probe re-evaluates on the
	// next request so recovery shows up immediately.
	if report.Status == "ok" {
		s.healthAt = time.Now()
		s.healthReport = report
	} else {
		s.healthAt = time.Time{}
		s.healthReport = healthReport{}
	}
	return report
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
