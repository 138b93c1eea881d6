package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"lotwatch/internal/cache"
	"lotwatch/internal/metrics"
	"lotwatch/internal/throttle"
)

const (
	defaultOfferCacheTTL = 10 * time.Minute
	defaultMessageLimit  = 50
	maxErrorSnippet      = 2000
	userAgent            = "lotwatch/market-client"
)

var (
	// ErrUnauthorized indicates the marketplace rejected the session cookie.
	ErrUnauthorized = errors.New("market session unauthorized")
)

// Config holds marketplace client configuration.
type Config struct {
	BaseURL       string
	CDNBaseURL    string
	Timeout       time.Duration
	OfferCacheTTL time.Duration
}

// Client provides typed access to the marketplace read and action endpoints.
// Every request waits on the shared limiter first.
type Client struct {
	logger   *slog.Logger
	baseURL  string
	cdnURL   string
	http     *http.Client
	limiter  *throttle.Limiter
	metrics  *metrics.Metrics
	cache    *cache.Redis
	offerTTL time.Duration
}

// New creates a new marketplace client. metrics and redis may be nil.
func New(cfg Config, limiter *throttle.Limiter, logger *slog.Logger, m *metrics.Metrics, redis *cache.Redis) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://starvell.com"
	}
	cdn := strings.TrimRight(cfg.CDNBaseURL, "/")
	if cdn == "" {
		cdn = "https://cdn.starvell.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ttl := cfg.OfferCacheTTL
	if ttl <= 0 {
		ttl = defaultOfferCacheTTL
	}
	if limiter == nil {
		limiter = throttle.New(throttle.DefaultRPM)
	}
	return &Client{
		logger:   logger.With("component", "market"),
		baseURL:  base,
		cdnURL:   cdn,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
		metrics:  m,
		cache:    redis,
		offerTTL: ttl,
	}
}

// ImagePreviewURL builds the CDN preview link of a chat image.
func (c *Client) ImagePreviewURL(img Image) string {
	id := strings.TrimSpace(img.ID.String())
	if id == "" {
		return ""
	}
	ext := strings.TrimPrefix(strings.TrimSpace(img.Extension), ".")
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("%s/messages/%s-preview.%s", c.cdnURL, id, ext)
}

// FetchProfile returns the signed-in user.
func (c *Client) FetchProfile(ctx context.Context, session string) (*User, error) {
	var user User
	if err := c.do(ctx, session, http.MethodGet, "profile", "/api/users/me", nil, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: empty profile", ErrUnauthorized)
	}
	return &user, nil
}

// FetchChats returns the chat list with the signed-in user.
func (c *Client) FetchChats(ctx context.Context, session string) (*ChatList, error) {
	var list ChatList
	if err := c.do(ctx, session, http.MethodGet, "chats", "/api/chats", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// FetchChatMessages returns up to limit messages of chatID, newest first.
func (c *Client) FetchChatMessages(ctx context.Context, session string, chatID ID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("/api/chats/%s/messages?%s", url.PathEscape(chatID.String()), q.Encode())

	var raw json.RawMessage
	if err := c.do(ctx, session, http.MethodGet, "messages", endpoint, nil, &raw); err != nil {
		return nil, err
	}
	var messages []Message
	if err := json.Unmarshal(raw, &messages); err == nil {
		return messages, nil
	}
	var wrapped struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return wrapped.Messages, nil
}

// FetchOrders returns the seller's recent orders.
func (c *Client) FetchOrders(ctx context.Context, session string) ([]Order, error) {
	var page struct {
		Orders []Order `json:"orders"`
	}
	if err := c.do(ctx, session, http.MethodGet, "orders", "/api/orders/sells", nil, &page); err != nil {
		return nil, err
	}
	return page.Orders, nil
}

// FetchOfferDetail returns placement for one offer (cached if redis configured).
func (c *Client) FetchOfferDetail(ctx context.Context, session string, offerID int64) (*OfferDetail, error) {
	cacheKey := fmt.Sprintf("market:offer:%d", offerID)
	if c.cache != nil {
		var cached OfferDetail
		ok, err := c.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			c.logger.Warn("read offer cache failed", "offer_id", offerID, "error", err)
		} else if ok {
			return &cached, nil
		}
	}

	var raw json.RawMessage
	if err := c.do(ctx, session, http.MethodGet, "offer", fmt.Sprintf("/api/offers/%d", offerID), nil, &raw); err != nil {
		return nil, err
	}
	detail, err := parseOfferDetail(raw)
	if err != nil {
		return nil, err
	}
	if detail.ID == 0 {
		detail.ID = offerID
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, cacheKey, detail, c.offerTTL); err != nil {
			c.logger.Warn("set offer cache failed", "offer_id", offerID, "error", err)
		}
	}
	return detail, nil
}

// FetchLots returns the listings of userID flattened across categories.
func (c *Client) FetchLots(ctx context.Context, session string, userID ID) ([]Lot, error) {
	var raw json.RawMessage
	endpoint := fmt.Sprintf("/api/users/%s/offers", url.PathEscape(userID.String()))
	if err := c.do(ctx, session, http.MethodGet, "lots", endpoint, nil, &raw); err != nil {
		return nil, err
	}
	return parseLots(raw, c.baseURL)
}

// SendMessage posts content into chatID.
func (c *Client) SendMessage(ctx context.Context, session string, chatID ID, content string) error {
	payload := map[string]string{
		"chatId":  chatID.String(),
		"content": content,
		"nonce":   uuid.NewString(),
	}
	return c.do(ctx, session, http.MethodPost, "send_message", "/api/messages/send", payload, nil)
}

// RefundOrder asks the marketplace to refund orderID to the buyer.
func (c *Client) RefundOrder(ctx context.Context, session string, orderID ID) error {
	payload := map[string]string{"orderId": orderID.String()}
	return c.do(ctx, session, http.MethodPost, "refund", "/api/orders/refund", payload, nil)
}

// BumpListings raises every listing of the given categories within one game.
func (c *Client) BumpListings(ctx context.Context, session string, gameID int64, categoryIDs []int64) error {
	payload := map[string]any{
		"gameId":      gameID,
		"categoryIds": categoryIDs,
	}
	return c.do(ctx, session, http.MethodPost, "bump", "/api/offers/bump", payload, nil)
}

func (c *Client) do(ctx context.Context, session, method, name, endpoint string, payload, dest any) (err error) {
	ctx, span := otel.Tracer("lotwatch/market").Start(ctx, "market."+name)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", name, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", c.baseURL)
	}
	if session != "" {
		req.AddCookie(&http.Cookie{Name: "session", Value: session})
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("market %s throttle: %w", name, err)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.MarketRequests.WithLabelValues(name, "error").Inc()
		}
		return fmt.Errorf("market %s request: %w", name, err)
	}
	defer res.Body.Close()

	statusLabel := strconv.Itoa(res.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	if c.metrics != nil {
		c.metrics.MarketRequests.WithLabelValues(name, statusLabel).Inc()
		c.metrics.MarketLatency.WithLabelValues(name, statusLabel).Observe(time.Since(start).Seconds())
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", name, err)
	}

	if res.StatusCode >= 400 {
		return classifyHTTPError(name, res.StatusCode, string(bodyBytes))
	}

	if dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(unwrapPageProps(bodyBytes), dest); err != nil {
		return fmt.Errorf("decode %s response: %w", name, err)
	}
	return nil
}

// unwrapPageProps strips the page-data envelope some endpoints still return.
func unwrapPageProps(body []byte) []byte {
	var env struct {
		PageProps json.RawMessage `json:"pageProps"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.PageProps) > 0 && string(env.PageProps) != "null" {
		return env.PageProps
	}
	return body
}

func classifyHTTPError(name string, status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet]
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %s status=%d", ErrUnauthorized, name, status)
	}
	return fmt.Errorf("market %s error: status=%d body=%s", name, status, snippet)
}
