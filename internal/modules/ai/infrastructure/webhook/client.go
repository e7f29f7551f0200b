package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"CivicLink/pkg/zlog"

	"go.uber.org/zap"
)

// 路由回调路径
const (
	PathRoutingResult  = "/api/internal/routing-result/"
	PathRoute          = "/api/internal/route/"
	PathInjectionAlert = "/api/internal/injection-alert/"
)

// Client 路由回调 webhook 客户端。请求带 X-Webhook-Secret 鉴权
// 和 X-Idempotency-Key 幂等键，接收方按键去重。
// 网络错误和 5xx 在限定次数内重试，4xx 视为契约错误不重试。
type Client struct {
	baseURL    string
	secret     string
	retryTimes int
	httpClient *http.Client
}

func NewClient(baseURL string, secret string, timeoutSeconds int, retryTimes int) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 5
	}
	if retryTimes <= 0 {
		retryTimes = 3
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:     secret,
		retryTimes: retryTimes,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}
}

// RoutingResultPayload 分类结果回调载荷。候选列表、token 用量
// 和分段耗时一并回传，供接收方落审计。
type RoutingResultPayload struct {
	SessionUuid      string          `json:"session_uuid"`
	MessageUuid      string          `json:"message_uuid"`
	DepartmentId     *int64          `json:"department_id"`
	Intent           string          `json:"intent"`
	Confidence       float64         `json:"confidence"`
	Reason           string          `json:"reason"`
	Language         string          `json:"language"`
	Candidates       json.RawMessage `json:"candidates"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	EmbeddingMs      int64           `json:"embedding_ms"`
	SearchMs         int64           `json:"search_ms"`
	RerankMs         int64           `json:"rerank_ms"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
}

// RoutePayload 路由执行回调载荷
type RoutePayload struct {
	SessionUuid  string `json:"session_uuid"`
	MessageUuid  string `json:"message_uuid"`
	DepartmentId int64  `json:"department_id"`
	Intent       string `json:"intent"`
}

// InjectionAlertPayload 注入告警载荷
type InjectionAlertPayload struct {
	SessionUuid    string  `json:"session_uuid"`
	MessageUuid    string  `json:"message_uuid"`
	Text           string  `json:"text"`
	RiskScore      float64 `json:"risk_score"`
	MatchedPattern string  `json:"matched_pattern"`
	SourceIP       string  `json:"source_ip"`
}

func (c *Client) PostRoutingResult(ctx context.Context, idempotencyKey string, payload RoutingResultPayload) error {
	return c.post(ctx, PathRoutingResult, idempotencyKey, payload)
}

func (c *Client) PostRoute(ctx context.Context, idempotencyKey string, payload RoutePayload) error {
	return c.post(ctx, PathRoute, idempotencyKey, payload)
}

func (c *Client) PostInjectionAlert(ctx context.Context, idempotencyKey string, payload InjectionAlertPayload) error {
	return c.post(ctx, PathInjectionAlert, idempotencyKey, payload)
}

func (c *Client) post(ctx context.Context, path string, idempotencyKey string, payload interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("webhook base url is empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := c.baseURL + path
	var lastErr error
	for attempt := 1; attempt <= c.retryTimes; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Secret", c.secret)
		if idempotencyKey != "" {
			req.Header.Set("X-Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("webhook %s returned status %d", path, resp.StatusCode)
			// 4xx 是契约问题，重试也不会变好
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return lastErr
			}
		}

		zlog.Warn("webhook post failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt < c.retryTimes {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
	}
	return lastErr
}
