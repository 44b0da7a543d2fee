package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

// AttemptAuditor получает уведомление о каждой попытке запроса к API.
// Используется для записи аудита в активный запуск синхронизации.
type AttemptAuditor func(attempt int, err error)

// Options настройки клиента каталога Shopify
type Options struct {
	ShopDomain  string // например my-store.myshopify.com
	AccessToken string
	APIVersion  string
	Timeout     time.Duration
	MaxRetries  int
	BaseDelay   time.Duration // базовая задержка повторов
	PageDelay   time.Duration // пауза между страницами пагинации
	Endpoint    string        // переопределение адреса API (для тестов)
}

// Client клиент Admin GraphQL API с повторами и откатами.
// Пагинация строго последовательная: курсор страницы N нужен для запроса N+1,
// поэтому параллелить выборку в рамках одного арендатора нельзя.
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
	maxRetries int
	baseDelay  time.Duration
	pageDelay  time.Duration
	logger     interfaces.LoggerPort
	auditor    AttemptAuditor

	// sleep вынесен в поле, чтобы тесты не ждали реальные задержки
	sleep func(time.Duration)
}

// NewClient создает новый клиент каталога
func NewClient(opts Options, logger interfaces.LoggerPort) *Client {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", opts.ShopDomain, opts.APIVersion)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay == 0 {
		baseDelay = time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		token:      opts.AccessToken,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		pageDelay:  opts.PageDelay,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// SetAuditor устанавливает аудит попыток для активного запуска
func (c *Client) SetAuditor(a AttemptAuditor) {
	c.auditor = a
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// ExecuteQuery выполняет GraphQL запрос с политикой повторов:
// не более maxRetries попыток; при rate-limit задержка
// min(baseDelay*2^(attempt-1), 60s), при прочих временных ошибках
// baseDelay*attempt; после исчерпания попыток возвращается последняя ошибка.
func (c *Client) ExecuteQuery(ctx context.Context, query string, variables map[string]interface{}) (json.RawMessage, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		data, err := c.doRequest(ctx, query, variables)
		if c.auditor != nil {
			c.auditor(attempt, err)
		}
		if err == nil {
			return data, nil
		}
		lastErr = err

		decision := syncerr.Classify(err, attempt, c.baseDelay)
		if !decision.Retryable || attempt == c.maxRetries {
			break
		}

		c.logger.WarnWithContext(ctx, "catalog query failed, retrying",
			interfaces.LogField{Key: "attempt", Value: attempt},
			interfaces.LogField{Key: "delay", Value: decision.Delay.String()},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		c.sleep(decision.Delay)
	}

	return nil, lastErr
}

// doRequest выполняет один HTTP запрос и переводит ответ в типизированную ошибку
func (c *Client) doRequest(ctx context.Context, query string, variables map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindUpstreamAPI, "catalog request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindUpstreamAPI, "failed to read catalog response", err)
	}

	if typedErr := classifyHTTPStatus(resp, respBody); typedErr != nil {
		return nil, typedErr
	}

	var parsed graphqlResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, syncerr.Wrap(syncerr.KindUpstreamAPI, "failed to decode catalog response", err)
	}

	if len(parsed.Errors) > 0 {
		return nil, classifyGraphQLErrors(parsed.Errors)
	}

	return parsed.Data, nil
}

// classifyHTTPStatus переводит HTTP статус в типизированную ошибку
func classifyHTTPStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return syncerr.RateLimited("catalog rate limit exceeded", parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.New(syncerr.KindAuthFailed, fmt.Sprintf("catalog auth failed: status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return syncerr.New(syncerr.KindUpstreamAPI, fmt.Sprintf("catalog server error: status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return syncerr.New(syncerr.KindUpstreamAPI, fmt.Sprintf("catalog error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}

// classifyGraphQLErrors переводит ошибки уровня GraphQL в типизированные
func classifyGraphQLErrors(errs []graphqlError) error {
	for _, e := range errs {
		if e.Extensions.Code == "THROTTLED" || strings.Contains(strings.ToLower(e.Message), "throttled") {
			return syncerr.RateLimited("catalog query throttled: "+e.Message, 0)
		}
	}
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
	}
	return syncerr.New(syncerr.KindUpstreamAPI, "catalog query error: "+strings.Join(messages, "; "))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
