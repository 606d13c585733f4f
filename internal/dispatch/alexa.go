package dispatch

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// alexaTimestampWindow rejects replayed requests.
	alexaTimestampWindow = 150 * time.Second
	// alexaCertTTL caches fetched signing certificates.
	alexaCertTTL = time.Hour
	// alexaSessionTTL expires idle voice sessions.
	alexaSessionTTL = 300 * time.Second
	// alexaCertHost is the only host signing certificates may come from.
	alexaCertHost = "s3.amazonaws.com"
	// alexaCertPathPrefix is the required certificate path prefix.
	alexaCertPathPrefix = "/echo.api/"
	// alexaSAN must appear in the signing certificate.
	alexaSAN = "echo-api.amazon.com"
	// alexaUpdateBase seeds synthetic update ids so they never collide
	// with real Telegram update ids.
	alexaUpdateBase = 900000000
)

// alexaRequest is the envelope Alexa posts to the skill endpoint.
type alexaRequest struct {
	Session struct {
		SessionID string `json:"sessionId"`
	} `json:"session"`
	Request struct {
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
		Locale    string `json:"locale"`
		Intent    struct {
			Name  string `json:"name"`
			Slots map[string]struct {
				Value string `json:"value"`
			} `json:"slots"`
		} `json:"intent"`
	} `json:"request"`
}

// queryText pulls the free-form utterance out of the intent slots. The
// skill model names its slot "message"; any other filled slot serves as
// a fallback.
func (r *alexaRequest) queryText() string {
	if slot, ok := r.Request.Intent.Slots["message"]; ok {
		if v := strings.TrimSpace(slot.Value); v != "" {
			return v
		}
	}
	for _, slot := range r.Request.Intent.Slots {
		if v := strings.TrimSpace(slot.Value); v != "" {
			return v
		}
	}
	return ""
}

// alexaStrings holds the per-locale canned responses.
type alexaStrings struct {
	Launch       string
	Goodbye      string
	GoodbyeEmpty string
	Help         string
	Fallback     string
	NoMessage    string
	Buffered     string
	Reprompt     string
	Unknown      string
	ShuttingDown string
}

var alexaLocales = map[string]alexaStrings{
	"en": {
		Launch:       "Tell me what you want to say to Claudio.",
		Goodbye:      "Got it, sending everything to Claudio. Goodbye.",
		GoodbyeEmpty: "Goodbye.",
		Help:         "You can send multiple messages and I'll relay them all to Claudio at the end. Say 'that's all' when you're done.",
		Fallback:     "I didn't catch that. Try saying: tell Claudio, followed by your message.",
		NoMessage:    "I didn't hear the message. Try again.",
		Buffered:     "Noted. Anything else?",
		Reprompt:     "Anything else for Claudio?",
		Unknown:      "I didn't understand the request.",
		ShuttingDown: "Sorry, I'm restarting. Try again in a moment.",
	},
	"es": {
		Launch:       "Dime qué le quieres decir a Claudio.",
		Goodbye:      "Listo, le paso todo a Claudio. Adiós.",
		GoodbyeEmpty: "Adiós.",
		Help:         "Puedes decirme varios mensajes y al final se los paso todos juntos a Claudio por Telegram. Di 'eso es todo' cuando termines.",
		Fallback:     "No entendí. Intenta decir: dile a Claudio, seguido de tu mensaje.",
		NoMessage:    "No escuché el mensaje. Intenta de nuevo.",
		Buffered:     "Anotado. ¿Algo más?",
		Reprompt:     "¿Algo más para Claudio?",
		Unknown:      "No entendí la solicitud.",
		ShuttingDown: "Lo siento, estoy reiniciando. Intenta en un momento.",
	},
}

// stringsForLocale picks the response set for a locale tag like "es-ES".
func stringsForLocale(locale string) alexaStrings {
	lang := strings.ToLower(locale)
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	if s, ok := alexaLocales[lang]; ok {
		return s
	}
	return alexaLocales["en"]
}

// alexaResponse renders the skill response envelope.
func alexaResponse(text string, endSession bool, reprompt string) map[string]any {
	resp := map[string]any{
		"outputSpeech":     map[string]any{"type": "PlainText", "text": text},
		"shouldEndSession": endSession,
	}
	if reprompt != "" {
		resp["reprompt"] = map[string]any{
			"outputSpeech": map[string]any{"type": "PlainText", "text": reprompt},
		}
	}
	return map[string]any{"version": "1.0", "response": resp}
}

type cachedCert struct {
	cert    *x509.Certificate
	fetched time.Time
}

// alexaVerifier authenticates skill requests per the Alexa endpoint
// requirements: certificate provenance, SAN, signature, timestamp.
type alexaVerifier struct {
	http *http.Client
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedCert
}

func newAlexaVerifier() *alexaVerifier {
	return &alexaVerifier{
		http:  &http.Client{Timeout: 10 * time.Second},
		now:   time.Now,
		cache: make(map[string]cachedCert),
	}
}

// validateCertURL enforces where a signing certificate may be fetched
// from. Everything else is an attack.
func validateCertURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse certificate url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return errors.New("certificate url must be https")
	}
	if !strings.EqualFold(u.Hostname(), alexaCertHost) {
		return fmt.Errorf("certificate host %q not allowed", u.Hostname())
	}
	if port := u.Port(); port != "" && port != "443" {
		return fmt.Errorf("certificate port %q not allowed", port)
	}
	if !strings.HasPrefix(u.Path, alexaCertPathPrefix) {
		return fmt.Errorf("certificate path %q not allowed", u.Path)
	}
	return nil
}

// Verify checks the request signature against the certificate at
// certURL and the timestamp inside the body.
func (v *alexaVerifier) Verify(certURL, signature string, body []byte) error {
	if err := validateCertURL(certURL); err != nil {
		return err
	}
	cert, err := v.certificate(certURL)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("certificate key is not RSA")
	}
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	return v.checkTimestamp(body)
}

// certificate fetches and validates the signing certificate, caching it
// for an hour.
func (v *alexaVerifier) certificate(certURL string) (*x509.Certificate, error) {
	v.mu.Lock()
	cached, ok := v.cache[certURL]
	v.mu.Unlock()
	if ok && v.now().Sub(cached.fetched) < alexaCertTTL {
		return cached.cert, nil
	}

	resp, err := v.http.Get(certURL)
	if err != nil {
		return nil, fmt.Errorf("fetch certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch certificate: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	cert, err := parseAlexaCert(raw, v.now())
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[certURL] = cachedCert{cert: cert, fetched: v.now()}
	v.mu.Unlock()
	return cert, nil
}

// parseAlexaCert decodes the PEM chain and validates the leaf.
func parseAlexaCert(raw []byte, now time.Time) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no certificate in response")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, errors.New("certificate outside validity window")
	}
	if err := cert.VerifyHostname(alexaSAN); err != nil {
		return nil, fmt.Errorf("certificate subject: %w", err)
	}
	return cert, nil
}

// checkTimestamp bounds request age to defeat replays.
func (v *alexaVerifier) checkTimestamp(body []byte) error {
	var req alexaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, req.Request.Timestamp)
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	age := v.now().Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > alexaTimestampWindow {
		return fmt.Errorf("timestamp outside %s window", alexaTimestampWindow)
	}
	return nil
}

type alexaSessionBuf struct {
	messages     []string
	lastActivity time.Time
}

// alexaSessions buffers utterances per voice session so a whole
// conversation relays as one message once the user is done.
type alexaSessions struct {
	mu      sync.Mutex
	bufs    map[string]*alexaSessionBuf
	counter int
	now     func() time.Time
}

func newAlexaSessions() *alexaSessions {
	return &alexaSessions{
		bufs: make(map[string]*alexaSessionBuf),
		now:  time.Now,
	}
}

// Buffer appends one utterance to a session, sweeping stale sessions
// while it holds the lock.
func (s *alexaSessions) Buffer(sessionID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, buf := range s.bufs {
		if now.Sub(buf.lastActivity) > alexaSessionTTL {
			delete(s.bufs, id)
		}
	}
	buf, ok := s.bufs[sessionID]
	if !ok {
		buf = &alexaSessionBuf{}
		s.bufs[sessionID] = buf
	}
	buf.messages = append(buf.messages, message)
	buf.lastActivity = now
}

// HasMessages reports whether a session has anything buffered.
func (s *alexaSessions) HasMessages(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.bufs[sessionID]
	return ok && len(buf.messages) > 0
}

// Flush pops every buffered utterance for a session.
func (s *alexaSessions) Flush(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.bufs[sessionID]
	if !ok {
		return nil
	}
	delete(s.bufs, sessionID)
	return buf.messages
}

// NextUpdateID issues a synthetic update id outside the Telegram range.
func (s *alexaSessions) NextUpdateID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return alexaUpdateBase + s.counter
}

// alexaTranscript renders buffered utterances as one relay message. A
// single utterance passes through untouched; several become a quoted
// list.
func alexaTranscript(messages []string) string {
	if len(messages) == 1 {
		return messages[0]
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("- \"%s\"", m))
	}
	return strings.Join(lines, "\n")
}
