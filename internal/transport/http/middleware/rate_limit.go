package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/core/domain"
)

const (
	rateLimitProblemType  = "https://identity.xuthority.example.com/errors/rate-limit-exceeded"
	rateLimitProblemTitle = "Rate Limit Exceeded"

	// maxIdentifierBody bounds how much of a request body EmailIdentifier buffers.
	maxIdentifierBody = 16 << 10
)

// RateLimitStore is the sliding-window log the limiter counts against.
type RateLimitStore interface {
	TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error
	CountAttempts(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, error)
	RecordAttempt(ctx context.Context, identifier string, at time.Time) error
	OldestAttempt(ctx context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error)
}

// IdentifierFunc extracts the key a rule is scoped to. Returning false skips the rule for
// this request.
type IdentifierFunc func(*gin.Context) (string, bool)

// RateLimitRule is one sliding-window limit. Several rules can guard the same route, e.g.
// per client IP and per target email on /auth/login.
type RateLimitRule struct {
	Name       string
	Limit      int
	Window     time.Duration
	Identifier IdentifierFunc
}

// RateLimiter enforces RateLimitRules against a RateLimitStore. Store failures are logged
// and the rule is skipped, so a Redis outage never blocks sign-in.
type RateLimiter struct {
	store   RateLimitStore
	logger  *zap.Logger
	metrics *HTTPMetrics
	now     func() time.Time
}

// windowState is a rule's window as seen before the current request is recorded.
type windowState struct {
	rule  RateLimitRule
	key   string
	count int
	reset time.Time
}

func (w windowState) exhausted() bool { return w.count >= w.rule.Limit }

func (w windowState) remaining() int { return max(w.rule.Limit-w.count-1, 0) }

func (w windowState) retryAfter(now time.Time) int {
	return max(int(math.Ceil(w.reset.Sub(now).Seconds())), 0)
}

// ProblemDetails is the RFC 9457 body returned with 429.
type ProblemDetails struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
	RetryAfter int    `json:"retry_after"`
	TraceID    string `json:"trace_id,omitempty"`
}

// NewRateLimiter builds a RateLimiter over store.
func NewRateLimiter(store RateLimitStore, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	if now != nil {
		rl.now = now
	}
	return rl
}

// WithMetrics counts rejections per rule on m.
func (rl *RateLimiter) WithMetrics(m *HTTPMetrics) *RateLimiter {
	rl.metrics = m
	return rl
}

// ClientIPIdentifier scopes a rule to the caller's IP as resolved by gin.
func ClientIPIdentifier() IdentifierFunc {
	return func(c *gin.Context) (string, bool) {
		ip := c.ClientIP()
		if ip == "" {
			return "", false
		}
		return ip, true
	}
}

// EmailIdentifier scopes a rule to the normalized "email" field of a JSON body. The body is
// restored for the handler, and the email is hashed so raw addresses never reach Redis.
// Requests without a usable email skip the rule and are left to the handler's validation.
func EmailIdentifier() IdentifierFunc {
	return func(c *gin.Context) (string, bool) {
		if c.Request.Body == nil || c.Request.Body == http.NoBody {
			return "", false
		}

		original := c.Request.Body
		head, err := io.ReadAll(io.LimitReader(original, maxIdentifierBody))
		c.Request.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(head), original), Closer: original}
		if err != nil {
			return "", false
		}

		var payload struct {
			Email string `json:"email"`
		}
		if err := binding.JSON.BindBody(head, &payload); err != nil {
			return "", false
		}

		email := domain.NormalizeEmail(payload.Email)
		if email == "" {
			return "", false
		}
		sum := sha256.Sum256([]byte(email))
		return hex.EncodeToString(sum[:]), true
	}
}

type replayBody struct {
	io.Reader
	io.Closer
}

// RateLimit returns a middleware enforcing rules. Every rule is checked before any attempt
// is recorded, so a request rejected by one rule does not consume another rule's budget.
func (rl *RateLimiter) RateLimit(rules ...RateLimitRule) gin.HandlerFunc {
	active := make([]RateLimitRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Identifier == nil || rule.Limit <= 0 || rule.Window <= 0 {
			continue
		}
		if rule.Name == "" {
			rule.Name = "default"
		}
		active = append(active, rule)
	}

	return func(c *gin.Context) {
		if len(active) == 0 || rl.store == nil {
			c.Next()
			return
		}

		now := rl.now()
		states := make([]windowState, 0, len(active))
		for _, rule := range active {
			identifier, ok := rule.Identifier(c)
			if !ok || identifier == "" {
				continue
			}

			state, err := rl.inspect(c.Request.Context(), rule, identifier, now)
			if err != nil {
				rl.logger.Warn("rate limit check failed", zap.String("rule", rule.Name), zap.Error(err))
				continue
			}
			states = append(states, state)
		}
		if len(states) == 0 {
			c.Next()
			return
		}

		if blocked, ok := longestBlock(states, now); ok {
			rl.metrics.RateLimited(blocked.rule.Name)
			rl.logger.Info("rate limit exceeded",
				zap.String("rule", blocked.rule.Name),
				zap.String("path", c.Request.URL.Path),
			)
			rl.applyHeaders(c, blocked, now, false)
			rl.respondRateLimited(c, blocked.retryAfter(now))
			return
		}

		for _, state := range states {
			if err := rl.store.RecordAttempt(c.Request.Context(), state.key, now); err != nil {
				rl.logger.Warn("rate limit record failed", zap.String("rule", state.rule.Name), zap.Error(err))
			}
		}

		rl.applyHeaders(c, tightest(states), now, true)
		c.Next()
	}
}

func (rl *RateLimiter) inspect(ctx context.Context, rule RateLimitRule, identifier string, now time.Time) (windowState, error) {
	key := rule.Name + ":" + identifier

	if err := rl.store.TrimWindow(ctx, key, rule.Window, now); err != nil {
		return windowState{}, fmt.Errorf("trim window: %w", err)
	}
	count, err := rl.store.CountAttempts(ctx, key, rule.Window, now)
	if err != nil {
		return windowState{}, fmt.Errorf("count attempts: %w", err)
	}
	oldest, found, err := rl.store.OldestAttempt(ctx, key, rule.Window, now)
	if err != nil {
		return windowState{}, fmt.Errorf("oldest attempt: %w", err)
	}

	state := windowState{rule: rule, key: key, count: count, reset: now.Add(rule.Window)}
	if found {
		state.reset = oldest.Add(rule.Window)
	}
	return state, nil
}

// longestBlock picks the exhausted rule the caller has to wait longest for.
func longestBlock(states []windowState, now time.Time) (windowState, bool) {
	var (
		blocked windowState
		found   bool
	)
	for _, state := range states {
		if !state.exhausted() {
			continue
		}
		if !found || state.reset.After(blocked.reset) {
			blocked, found = state, true
		}
	}
	return blocked, found
}

// tightest picks the rule with the fewest remaining attempts, earliest reset first on ties.
func tightest(states []windowState) windowState {
	best := states[0]
	for _, state := range states[1:] {
		if state.remaining() < best.remaining() ||
			(state.remaining() == best.remaining() && state.reset.Before(best.reset)) {
			best = state
		}
	}
	return best
}

func (rl *RateLimiter) applyHeaders(c *gin.Context, state windowState, now time.Time, allowed bool) {
	headers := c.Writer.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(state.rule.Limit))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(state.reset.Unix(), 10))
	if allowed {
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(state.remaining()))
		return
	}
	headers.Set("X-RateLimit-Remaining", "0")
	headers.Set("Retry-After", strconv.Itoa(state.retryAfter(now)))
}

func (rl *RateLimiter) respondRateLimited(c *gin.Context, retryAfter int) {
	instance := c.FullPath()
	if instance == "" {
		instance = c.Request.URL.Path
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, ProblemDetails{
		Type:       rateLimitProblemType,
		Title:      rateLimitProblemTitle,
		Status:     http.StatusTooManyRequests,
		Detail:     fmt.Sprintf("Too many requests. Try again in %d seconds.", retryAfter),
		Instance:   instance,
		RetryAfter: retryAfter,
		TraceID:    GetTraceID(c),
	})
}
