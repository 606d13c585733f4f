package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/claudio-sh/claudio/internal/agent"
	"github.com/claudio-sh/claudio/internal/config"
	"github.com/claudio-sh/claudio/internal/pipeline"
	"github.com/claudio-sh/claudio/internal/platform"
)

// fixedRunner answers every run with a canned response and records the
// prompts it saw.
type fixedRunner struct {
	response string

	mu      sync.Mutex
	prompts []string
}

func (r *fixedRunner) Run(_ context.Context, prompt, _ string) (*agent.Result, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	r.mu.Unlock()
	return &agent.Result{Response: r.response}, nil
}

func (r *fixedRunner) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

// captureStub records outgoing sends under any platform name.
type captureStub struct {
	name string

	mu    sync.Mutex
	texts []string
}

func (c *captureStub) Name() string { return c.name }

func (c *captureStub) SendMessage(_ context.Context, _, text, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureStub) SendVoice(context.Context, string, string, string) bool { return false }

func (c *captureStub) Ack(context.Context, string, string) {}

func (c *captureStub) Typing(context.Context, string, bool) {}

func (c *captureStub) Download(context.Context, string, string, platform.Validator) (string, error) {
	return "", errors.New("no downloads in tests")
}

func (c *captureStub) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.texts, "\n")
}

type stubResolver struct {
	byID    map[string]*Runtime
	byPhone map[string]*Runtime
	reloads int
}

func (s *stubResolver) Runtime(id string) (*Runtime, bool) {
	rt, ok := s.byID[id]
	return rt, ok
}

func (s *stubResolver) RuntimeBySecret(token string) (*Runtime, bool) {
	for _, rt := range s.byID {
		if token != "" && rt.Cfg.WebhookSecret == token {
			return rt, true
		}
	}
	return nil, false
}

func (s *stubResolver) RuntimeByPhoneNumberID(id string) (*Runtime, bool) {
	rt, ok := s.byPhone[id]
	return rt, ok
}

func (s *stubResolver) Runtimes() []*Runtime {
	var all []*Runtime
	for _, rt := range s.byID {
		all = append(all, rt)
	}
	return all
}

func (s *stubResolver) Reload() { s.reloads++ }

func testServer(t *testing.T) (*Server, *stubResolver, *captureStub, *captureStub) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	cfg := &config.BotConfig{
		ID:                    "mybot",
		TelegramChatID:        "1",
		WebhookSecret:         "s3cret",
		WhatsAppPhoneNumberID: "555000",
		WhatsAppPhoneNumber:   "34600111222",
		WhatsAppAppSecret:     "appsecret",
		WhatsAppVerifyToken:   "verifyme",
		Model:                 "haiku",
		MaxHistoryLines:       20,
	}
	tg := &captureStub{name: "telegram"}
	wa := &captureStub{name: "whatsapp"}
	rt := &Runtime{
		Cfg:      cfg,
		Telegram: &pipeline.Handler{Bot: cfg, Client: tg, Runner: &fixedRunner{response: "pong"}, Log: log},
		WhatsApp: &pipeline.Handler{Bot: cfg, Client: wa, Runner: &fixedRunner{response: "pong"}, Log: log},
	}
	resolver := &stubResolver{
		byID:    map[string]*Runtime{"mybot": rt},
		byPhone: map[string]*Runtime{"555000": rt},
	}
	srv := NewServer("127.0.0.1:0", "https://claudio.example.com", resolver, log)
	srv.verifyAlexa = func(string, string, []byte) error { return nil }
	return srv, resolver, tg, wa
}

func waitForText(t *testing.T, c *captureStub, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(c.Text(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reply %q never arrived; got %q", want, c.Text())
}

const telegramUpdate = `{"update_id":10,"message":{"message_id":5,"chat":{"id":1,"type":"private"},"text":"ping"}}`

func postTelegram(srv *Server, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/mybot", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", secret)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestTelegramWebhook(t *testing.T) {
	srv, _, tg, _ := testServer(t)

	w := postTelegram(srv, "s3cret", telegramUpdate)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	waitForText(t, tg, "pong")
}

func TestTelegramWebhookRejectsBadSecret(t *testing.T) {
	srv, _, _, _ := testServer(t)

	if w := postTelegram(srv, "wrong", telegramUpdate); w.Code != http.StatusForbidden {
		t.Fatalf("got status %d", w.Code)
	}
	if w := postTelegram(srv, "", telegramUpdate); w.Code != http.StatusForbidden {
		t.Fatalf("got status %d", w.Code)
	}
}

func TestTelegramWebhookUnknownBot(t *testing.T) {
	srv, _, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/nope", strings.NewReader(telegramUpdate))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d", w.Code)
	}
}

func TestTelegramWebhookDeduplicates(t *testing.T) {
	srv, _, tg, _ := testServer(t)

	postTelegram(srv, "s3cret", telegramUpdate)
	postTelegram(srv, "s3cret", telegramUpdate)
	waitForText(t, tg, "pong")
	time.Sleep(200 * time.Millisecond)

	if got := strings.Count(tg.Text(), "pong"); got != 1 {
		t.Fatalf("duplicate update processed %d times", got)
	}
}

func TestTelegramWebhookDuringShutdown(t *testing.T) {
	srv, _, _, _ := testServer(t)
	srv.draining.Store(true)

	if w := postTelegram(srv, "s3cret", telegramUpdate); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d", w.Code)
	}
}

func TestWhatsAppVerifyChallenge(t *testing.T) {
	srv, _, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet,
		"/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=verifyme&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "12345" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet,
		"/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("got status %d", w.Code)
	}
}

func signMeta(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const whatsAppDelivery = `{"entry":[{"changes":[{"value":{
	"metadata":{"phone_number_id":"555000"},
	"messages":[{"from":"34600111222","id":"wamid.A","type":"text","text":{"body":"hola"}}]}}]}]}`

func postWhatsApp(srv *Server, signature, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestWhatsAppWebhook(t *testing.T) {
	srv, _, _, wa := testServer(t)

	w := postWhatsApp(srv, signMeta("appsecret", []byte(whatsAppDelivery)), whatsAppDelivery)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	waitForText(t, wa, "pong")
}

func TestWhatsAppWebhookRejectsBadSignature(t *testing.T) {
	srv, _, _, wa := testServer(t)

	w := postWhatsApp(srv, signMeta("wrongsecret", []byte(whatsAppDelivery)), whatsAppDelivery)
	if w.Code != http.StatusForbidden {
		t.Fatalf("got status %d", w.Code)
	}
	w = postWhatsApp(srv, "", whatsAppDelivery)
	if w.Code != http.StatusForbidden {
		t.Fatalf("got status %d", w.Code)
	}
	time.Sleep(100 * time.Millisecond)
	if wa.Text() != "" {
		t.Fatalf("unsigned delivery was processed: %q", wa.Text())
	}
}

func TestWhatsAppStatusOnlyDelivery(t *testing.T) {
	srv, _, _, _ := testServer(t)
	body := `{"entry":[{"changes":[{"value":{"metadata":{"phone_number_id":"555000"},"statuses":[{"id":"wamid.B"}]}}]}]}`

	w := postWhatsApp(srv, signMeta("appsecret", []byte(body)), body)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
}

func postAlexa(srv *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/alexa/mybot", strings.NewReader(body))
	req.Header.Set("SignatureCertChainUrl", "https://s3.amazonaws.com/echo.api/cert.pem")
	req.Header.Set("Signature", "ignored")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func alexaSpeech(t *testing.T, w *httptest.ResponseRecorder) (string, bool) {
	t.Helper()
	var resp struct {
		Response struct {
			OutputSpeech struct {
				Text string `json:"text"`
			} `json:"outputSpeech"`
			ShouldEndSession bool `json:"shouldEndSession"`
		} `json:"response"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Response.OutputSpeech.Text, resp.Response.ShouldEndSession
}

func alexaMessageIntent(session, message string) string {
	return `{"session":{"sessionId":"` + session + `"},"request":{"type":"IntentRequest","locale":"en-US",
		"intent":{"name":"SendMessageIntent","slots":{"message":{"value":"` + message + `"}}}}}`
}

func TestAlexaLaunch(t *testing.T) {
	srv, _, _, _ := testServer(t)

	w := postAlexa(srv, `{"session":{"sessionId":"s1"},"request":{"type":"LaunchRequest","locale":"es-ES"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	text, end := alexaSpeech(t, w)
	if text != alexaLocales["es"].Launch || end {
		t.Fatalf("got %q end=%v", text, end)
	}
}

func TestAlexaBuffersUtterances(t *testing.T) {
	srv, resolver, _, _ := testServer(t)
	runner := resolver.byID["mybot"].Telegram.Runner.(*fixedRunner)

	w := postAlexa(srv, alexaMessageIntent("s1", "turn on the lights"))
	if text, end := alexaSpeech(t, w); text != alexaLocales["en"].Buffered || end {
		t.Fatalf("got %q end=%v", text, end)
	}
	// Buffering must not reach the pipeline yet.
	time.Sleep(100 * time.Millisecond)
	if got := runner.Prompts(); len(got) != 0 {
		t.Fatalf("utterance dispatched before session end: %v", got)
	}
}

func TestAlexaStopFlushesOneCombinedMessage(t *testing.T) {
	srv, resolver, tg, _ := testServer(t)
	runner := resolver.byID["mybot"].Telegram.Runner.(*fixedRunner)

	postAlexa(srv, alexaMessageIntent("s1", "first thing"))
	postAlexa(srv, alexaMessageIntent("s1", "second thing"))

	w := postAlexa(srv, `{"session":{"sessionId":"s1"},"request":{"type":"IntentRequest","locale":"en-US",
		"intent":{"name":"AMAZON.StopIntent"}}}`)
	text, end := alexaSpeech(t, w)
	if text != alexaLocales["en"].Goodbye || !end {
		t.Fatalf("got %q end=%v", text, end)
	}

	waitForText(t, tg, "pong")
	prompts := runner.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("session flushed as %d messages, want 1: %v", len(prompts), prompts)
	}
	if !strings.Contains(prompts[0], `- "first thing"`) || !strings.Contains(prompts[0], `- "second thing"`) {
		t.Fatalf("transcript missing utterances: %q", prompts[0])
	}
}

func TestAlexaStopWithEmptyBuffer(t *testing.T) {
	srv, _, _, _ := testServer(t)

	w := postAlexa(srv, `{"session":{"sessionId":"s9"},"request":{"type":"IntentRequest","locale":"en-US",
		"intent":{"name":"AMAZON.StopIntent"}}}`)
	text, end := alexaSpeech(t, w)
	if text != alexaLocales["en"].GoodbyeEmpty || !end {
		t.Fatalf("got %q end=%v", text, end)
	}
}

func TestAlexaSessionEndFlushes(t *testing.T) {
	srv, resolver, tg, _ := testServer(t)
	runner := resolver.byID["mybot"].Telegram.Runner.(*fixedRunner)

	postAlexa(srv, alexaMessageIntent("s2", "just one thing"))
	w := postAlexa(srv, `{"session":{"sessionId":"s2"},"request":{"type":"SessionEndedRequest","locale":"en-US"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}

	waitForText(t, tg, "pong")
	prompts := runner.Prompts()
	// A single utterance relays verbatim, without list formatting.
	if len(prompts) != 1 || !strings.Contains(prompts[0], "just one thing") || strings.Contains(prompts[0], `- "`) {
		t.Fatalf("got prompts %v", prompts)
	}
}

func TestAlexaHelpAndEmptySlot(t *testing.T) {
	srv, _, _, _ := testServer(t)

	w := postAlexa(srv, `{"session":{"sessionId":"s3"},"request":{"type":"IntentRequest","locale":"en-US",
		"intent":{"name":"AMAZON.HelpIntent"}}}`)
	if text, end := alexaSpeech(t, w); text != alexaLocales["en"].Help || end {
		t.Fatalf("got %q end=%v", text, end)
	}

	w = postAlexa(srv, `{"session":{"sessionId":"s3"},"request":{"type":"IntentRequest","locale":"en-US",
		"intent":{"name":"SendMessageIntent","slots":{"message":{"value":""}}}}}`)
	if text, end := alexaSpeech(t, w); text != alexaLocales["en"].NoMessage || end {
		t.Fatalf("got %q end=%v", text, end)
	}
}

func TestAlexaDuringShutdown(t *testing.T) {
	srv, _, _, _ := testServer(t)
	srv.draining.Store(true)

	w := postAlexa(srv, `{"session":{"sessionId":"s4"},"request":{"type":"LaunchRequest","locale":"en-US"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if text, end := alexaSpeech(t, w); text != alexaLocales["en"].ShuttingDown || !end {
		t.Fatalf("got %q end=%v", text, end)
	}
}

func TestAlexaRejectsBadSignature(t *testing.T) {
	srv, _, _, _ := testServer(t)
	srv.verifyAlexa = func(string, string, []byte) error { return errors.New("nope") }

	w := postAlexa(srv, `{"request":{"type":"LaunchRequest"}}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("got status %d", w.Code)
	}
}

type stubAdmin struct {
	current    string
	infoErr    error
	infoCalls  int
	registered []string
}

func (a *stubAdmin) WebhookInfo(context.Context) (string, error) {
	a.infoCalls++
	return a.current, a.infoErr
}

func (a *stubAdmin) RegisterWebhook(_ context.Context, url, _ string) error {
	a.registered = append(a.registered, url)
	a.current = url
	return nil
}

func TestHealthRepairsWebhook(t *testing.T) {
	srv, resolver, _, _ := testServer(t)
	admin := &stubAdmin{current: "https://old.example.com/webhook/mybot"}
	resolver.byID["mybot"].Admin = admin

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}
	if len(admin.registered) != 1 || admin.registered[0] != "https://claudio.example.com/webhook/mybot" {
		t.Fatalf("got registrations %v", admin.registered)
	}

	var report healthReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Bots["mybot"] != "re-registered" {
		t.Fatalf("got report %+v", report)
	}
}

func TestHealthCachesResult(t *testing.T) {
	srv, resolver, _, _ := testServer(t)
	admin := &stubAdmin{current: "https://claudio.example.com/webhook/mybot"}
	resolver.byID["mybot"].Admin = admin

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}
	// Only the first probe reaches upstream inside the cache window.
	if admin.infoCalls != 1 {
		t.Fatalf("upstream checked %d times", admin.infoCalls)
	}
}

func TestHealthDegradedOnCheckFailure(t *testing.T) {
	srv, resolver, _, _ := testServer(t)
	resolver.byID["mybot"].Admin = &stubAdmin{infoErr: errors.New("api down")}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d", w.Code)
	}
}

func TestHealthDegradedNotCached(t *testing.T) {
	srv, resolver, _, _ := testServer(t)
	admin := &stubAdmin{infoErr: errors.New("api down")}
	resolver.byID["mybot"].Admin = admin

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}
	// Unhealthy results must re-evaluate on every probe.
	if admin.infoCalls != 2 {
		t.Fatalf("upstream checked %d times, want 2", admin.infoCalls)
	}
}

func TestTelegramWebhookBySecret(t *testing.T) {
	srv, _, tg, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(
		`{"update_id":77,"message":{"message_id":6,"chat":{"id":1,"type":"private"},"text":"ping"}}`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	waitForText(t, tg, "pong")
}

func TestTelegramWebhookBySecretRejectsUnknownToken(t *testing.T) {
	srv, _, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(telegramUpdate))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d", w.Code)
	}
}

func TestReloadRoute(t *testing.T) {
	srv, resolver, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/reload", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if resolver.reloads != 1 {
		t.Fatalf("reload called %d times", resolver.reloads)
	}
}
