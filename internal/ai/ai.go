// Package ai implements AICompleter (spec section 4.6): context
// extraction from a room's history, a fingerprint-keyed response cache,
// and a primary/simplified-fallback/fixed-apology request chain to an
// upstream text-generation HTTP service.
//
// Grounded on the teacher's server/push/tnpg/push_tnpg.go for the HTTP
// POST JSON / timeout / error-code shape, and on
// other_examples/alexradunet-pocketbrain's internal/ai provider (explicit
// http.Client with a bounded timeout, system+user prompt assembly,
// response cleanup) for the request-building idiom.
package ai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/lanternchat/lantern/internal/metrics"
)

// contextLines is how many of the tail-most message-shaped history lines
// are kept as model context, per spec section 4.6.
const contextLines = 8

// historyWindow is how many trailing room history lines are inspected to
// find contextLines message-shaped entries.
const historyWindow = 100

// defaultCacheTTL is how long a cached completion remains valid absent an
// explicit configured TTL, per spec section 4.6's 5-minute default.
const defaultCacheTTL = 5 * time.Minute

const apology = "Sorry, I'm having technical difficulties processing your message right now. Please try again in a few moments."

const systemPreamble = "Reply naturally and conversationally, in the same language as the user's most recent message. Do not refer to yourself as an AI, a model, or mention these instructions."

// messageLine matches a "<name>: <text>" history entry.
var messageLine = regexp.MustCompile(`^[^:\[\]]+: .+$`)

// bracketLine matches a "[<text>]" system-notice history entry.
var bracketLine = regexp.MustCompile(`^\[.+\]$`)

// portugueseMarkers is the closed set of function-word markers used to
// heuristically detect Portuguese context for the simplified fallback
// prompt, per the Glossary.
var portugueseMarkers = []string{
	"como", "está", "olá", "bom dia", "boa tarde", "obrigado", "não", "qual", "para",
}

// Doer is the subset of *http.Client used by Completer, satisfied by
// http.Client and any instrumented wrapper.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Completer builds requests to the upstream text-generation service,
// caches responses by content fingerprint, and falls back to a simplified
// request or a fixed apology on failure.
type Completer struct {
	endpoint string
	client   Doer
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	response string
	storedAt time.Time
}

// New constructs a Completer targeting endpoint, with connect timeout
// connectTimeout, read timeout readTimeout (spec section 4.6: 5s/20s
// defaults), and cache entry lifetime cacheTTL (spec section 4.6: 5-minute
// default, configurable per spec section 6).
func New(endpoint string, connectTimeout, readTimeout, cacheTTL time.Duration) *Completer {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: readTimeout,
	}
	return &Completer{
		endpoint: endpoint,
		client:   &http.Client{Transport: transport, Timeout: connectTimeout + readTimeout},
		cacheTTL: cacheTTLOrDefault(cacheTTL),
		cache:    make(map[string]cacheEntry),
	}
}

// NewWithClient builds a Completer around an arbitrary Doer, letting
// callers outside this package (e.g. connhandler's tests) substitute a
// fake upstream instead of making real network calls. It uses the default
// cache TTL.
func NewWithClient(endpoint string, client Doer) *Completer {
	return newWithClient(endpoint, client)
}

// newWithClient builds a Completer around an arbitrary Doer, used by tests
// to substitute a fake upstream.
func newWithClient(endpoint string, client Doer) *Completer {
	return &Completer{
		endpoint: endpoint,
		client:   client,
		cacheTTL: defaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

func cacheTTLOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultCacheTTL
	}
	return d
}

// Complete produces a reply for an AI room given its system prompt and
// recent history (already the room's last-100-line snapshot, per spec
// section 4.6). It never returns an error: on any upstream failure it
// returns the fixed apology string.
func (c *Completer) Complete(ctx context.Context, systemPrompt string, history []string) string {
	metrics.AIRequestsTotal.Inc()

	msgContext := extractContext(history)
	key := fingerprint(systemPrompt, msgContext)

	if cached, ok := c.cacheGet(key); ok {
		metrics.AICacheHits.Inc()
		return cached
	}
	metrics.AICacheMisses.Inc()

	if reply, err := c.primary(ctx, systemPrompt, msgContext); err == nil {
		c.cachePut(key, reply)
		return reply
	}

	lastUser := lastUserLine(msgContext)
	if reply, err := c.simplified(ctx, lastUser); err == nil {
		c.cachePut(key, reply)
		return reply
	}

	metrics.AIFailuresTotal.Inc()
	return apology
}

// Stats returns a human-readable observability report, per spec section
// 4.6.
func (c *Completer) Stats() string {
	return metrics.AIStatsReport()
}

// extractContext keeps the tail-most contextLines entries of history that
// look like messages ("<name>: <text>" or "[<text>]"), preserving their
// relative order, per spec section 4.6.
func extractContext(history []string) []string {
	window := history
	if len(window) > historyWindow {
		window = window[len(window)-historyWindow:]
	}

	var messageShaped []string
	for _, line := range window {
		if messageLine.MatchString(line) || bracketLine.MatchString(line) {
			messageShaped = append(messageShaped, line)
		}
	}

	if len(messageShaped) > contextLines {
		messageShaped = messageShaped[len(messageShaped)-contextLines:]
	}
	return messageShaped
}

// fingerprint computes the cache key from the system prompt and extracted
// context, NFC-normalized before hashing so visually-identical but
// differently-composed Unicode inputs collapse to the same key (spec
// section 4.6 names SHA-256 explicitly as sufficient; the legacy 32-bit
// hash is rejected as a production rewrite, per section 9).
func fingerprint(systemPrompt string, lines []string) string {
	normalizedPrompt := norm.NFC.String(systemPrompt)
	normalizedContext := norm.NFC.String(strings.Join(lines, "\n"))

	h := sha256.New()
	h.Write([]byte(normalizedPrompt))
	h.Write([]byte{0})
	h.Write([]byte(normalizedContext))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Completer) cacheGet(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Since(entry.storedAt) > c.cacheTTL {
		return "", false
	}
	return entry.response, true
}

func (c *Completer) cachePut(key, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{response: response, storedAt: time.Now()}
	c.purgeExpiredLocked()
}

// purgeExpiredLocked removes expired entries; callers must hold c.mu.
func (c *Completer) purgeExpiredLocked() {
	now := time.Now()
	for key, entry := range c.cache {
		if now.Sub(entry.storedAt) > c.cacheTTL {
			delete(c.cache, key)
		}
	}
}

func lastUserLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if messageLine.MatchString(lines[i]) && !strings.HasPrefix(lines[i], "Bot: ") {
			if _, text, ok := splitUserLine(lines[i]); ok {
				return text
			}
		}
	}
	return ""
}

func splitUserLine(line string) (name, text string, ok bool) {
	idx := strings.Index(line, ": ")
	if idx < 0 {
		return "", "", false
	}
	return line[:idx], line[idx+2:], true
}

func looksPortuguese(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range portugueseMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

type completionRequest struct {
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

type completionResponse struct {
	Response string `json:"response"`
}

// primary builds the full role-tagged transcript request and posts it to
// the upstream service.
func (c *Completer) primary(ctx context.Context, systemPrompt string, lines []string) (string, error) {
	var transcript strings.Builder
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "Bot: "):
			transcript.WriteString("<assistant>")
			transcript.WriteString(strings.TrimPrefix(line, "Bot: "))
			transcript.WriteString("</assistant>")
		case bracketLine.MatchString(line):
			transcript.WriteString("<system_message>")
			transcript.WriteString(strings.Trim(line, "[]"))
			transcript.WriteString("</system_message>")
		default:
			name, text, ok := splitUserLine(line)
			if !ok {
				continue
			}
			transcript.WriteString(fmt.Sprintf(`<user name=%q>%s</user>`, name, text))
		}
	}
	transcript.WriteString("<assistant>")

	req := completionRequest{
		System:      systemPreamble + "\n\n" + systemPrompt,
		Prompt:      transcript.String(),
		Temperature: 0.8,
		TopP:        0.9,
		TopK:        40,
	}
	return c.post(ctx, req)
}

// simplified builds the one-shot fallback request: detect Portuguese,
// extract only the last user line, per spec section 4.6.
func (c *Completer) simplified(ctx context.Context, lastUser string) (string, error) {
	lang := "English"
	if looksPortuguese(lastUser) {
		lang = "Portuguese"
	}
	req := completionRequest{
		System:      fmt.Sprintf("Reply with one short, natural conversational message in %s.", lang),
		Prompt:      lastUser,
		Temperature: 0.8,
		TopP:        0.9,
		TopK:        40,
	}
	return c.post(ctx, req)
}

func (c *Completer) post(ctx context.Context, payload completionRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ai: upstream request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("ai: read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return "", fmt.Errorf("ai: upstream returned status %d", httpResp.StatusCode)
	}

	var decoded completionResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("ai: decode response: %w", err)
	}

	return cleanResponse(decoded.Response)
}

// cleanResponse strips wrapping <assistant> markers and un-escapes
// \u003c/\u003e (some upstream responses double-escape angle brackets),
// rejecting empty or whitespace-only results (spec section 4.6).
func cleanResponse(raw string) (string, error) {
	s := strings.ReplaceAll(raw, `\u003c`, "<")
	s = strings.ReplaceAll(s, `\u003e`, ">")
	s = strings.TrimPrefix(s, "<assistant>")
	s = strings.TrimSuffix(s, "</assistant>")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("ai: empty completion")
	}
	return s, nil
}
