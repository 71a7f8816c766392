// Package botclassifier scores inbound requests for bot-likeness from the
// user agent, the presence of browser-typical headers, and the caller's
// rolling request rate, then decides whether to allow, flag, or block.
package botclassifier

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gaasio/transparegate/internal/store"
)

// knownBotTokens are matched case-insensitively as substrings of the UA.
var knownBotTokens = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python-requests",
	"python-urllib", "scrapy", "headless", "phantomjs", "selenium", "puppeteer",
	"playwright", "axios", "go-http-client", "java", "okhttp", "apache-httpclient",
}

var knownBrowserTokens = []string{"mozilla", "chrome", "safari", "firefox", "edge", "opera"}

var expectedBrowserHeaders = []string{"accept", "accept-language", "accept-encoding", "user-agent", "referer"}

// Classifier computes bot scores and records every decision.
type Classifier struct {
	store store.Store
	now   func() time.Time
}

// New creates a Classifier backed by the given Store for rolling-rate
// lookups and BotDetectionLog writes.
func New(s store.Store) *Classifier {
	return &Classifier{store: s, now: time.Now}
}

// Result is one classification's outcome.
type Result struct {
	Score          float64
	Classification store.BotClassification
	Action         store.BotAction
}

// Classify scores a request for the given key and service, decides the
// enforcement action, and records the decision. A failure to write the log
// is swallowed — the caller-visible decision is unaffected.
func (c *Classifier) Classify(ctx context.Context, svc store.Service, apiKeySecret string, header http.Header) Result {
	ua := header.Get("User-Agent")

	uaScore := userAgentScore(ua)
	rateScore := c.rateScore(ctx, apiKeySecret)
	headerScore := headerEntropyScore(header)

	score := clamp(0.5*uaScore+0.3*rateScore+0.2*headerScore, 0, 1)
	classification := classify(score)
	action := decide(classification, score, svc.BotBlockingEnabled, effectiveThreshold(svc))

	result := Result{Score: score, Classification: classification, Action: action}

	_ = c.store.WriteBotDetectionLog(ctx, store.BotDetectionLog{
		ServiceID:      svc.ID,
		ApiKeySecret:   apiKeySecret,
		BotScore:       score,
		Classification: classification,
		UserAgent:      ua,
		Action:         action,
		Timestamp:      c.now().UTC(),
	})

	return result
}

func effectiveThreshold(svc store.Service) float64 {
	if svc.BotThreshold <= 0 {
		return 0.7
	}
	return svc.BotThreshold
}

func userAgentScore(ua string) float64 {
	if ua == "" {
		return 0.8
	}
	lower := strings.ToLower(ua)
	for _, tok := range knownBotTokens {
		if strings.Contains(lower, tok) {
			return 0.9
		}
	}
	if len(ua) < 20 {
		return 0.7
	}
	for _, tok := range knownBrowserTokens {
		if strings.Contains(lower, tok) {
			return 0.1
		}
	}
	return 0.5
}

func (c *Classifier) rateScore(ctx context.Context, apiKeySecret string) float64 {
	since := c.now().UTC().Add(-60 * time.Second)
	n, err := c.store.CountUsageSince(ctx, apiKeySecret, since)
	if err != nil {
		// Telemetry only — the classifier must never fail the request.
		return 0.0
	}
	switch {
	case n <= 5:
		return 0.0
	case n <= 10:
		return 0.3
	case n <= 20:
		return 0.6
	default:
		return 0.9
	}
}

func headerEntropyScore(header http.Header) float64 {
	present := 0
	for _, h := range expectedBrowserHeaders {
		if header.Get(h) != "" {
			present++
		}
	}
	absentFraction := 1 - float64(present)/float64(len(expectedBrowserHeaders))

	score := absentFraction
	if len(header) < 5 {
		score += 0.3
	}
	return clamp(score, 0, 1)
}

func classify(score float64) store.BotClassification {
	switch {
	case score < 0.3:
		return store.ClassificationHuman
	case score < 0.7:
		return store.ClassificationSuspicious
	default:
		return store.ClassificationBot
	}
}

func decide(classification store.BotClassification, score float64, blockingEnabled bool, threshold float64) store.BotAction {
	if !blockingEnabled {
		if classification == store.ClassificationBot {
			return store.ActionFlagged
		}
		return store.ActionAllowed
	}

	if score >= threshold {
		return store.ActionBlocked
	}
	if classification == store.ClassificationHuman {
		return store.ActionAllowed
	}
	return store.ActionFlagged
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
