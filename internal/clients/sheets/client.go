package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://sheets.googleapis.com/v4/spreadsheets"

// rateLimitFlagKey ключ кэша для флага rate-limit арендатора.
// Флаг консультативный: другие задачи арендатора сверяются с ним,
// чтобы не повторять запросы немедленно, но это не жесткая блокировка.
const rateLimitFlagKey = "sheets:ratelimited"

// rateLimitFlagTTL срок жизни флага rate-limit
const rateLimitFlagTTL = 30 * time.Second

// TokenSaver сохраняет обновленную пару токенов обратно в запись подключения
type TokenSaver func(ctx context.Context, accessToken string, expiry time.Time) error

// Options настройки клиента таблиц
type Options struct {
	SpreadsheetID string
	AccessToken   string
	RefreshToken  string
	OAuth         *oauth2.Config
	TenantID      string
	Timeout       time.Duration
	BaseURL       string     // переопределение адреса API (для тестов)
	OnTokenSaved  TokenSaver // опционально: персистенция обновленного токена
}

// Client аутентифицированный REST клиент одной таблицы, адресуемой
// диапазонами в нотации A1. Держит короткоживущий access-токен и
// долгоживущий refresh-токен; на 401 прозрачно обновляет токен один раз
// и повторяет запрос, повторный 401 означает необходимость переподключения.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	spreadsheetID string
	accessToken   string
	refreshToken  string
	oauth         *oauth2.Config
	tenantID      string
	cache         interfaces.CachePort
	logger        interfaces.LoggerPort
	onTokenSaved  TokenSaver
}

// NewClient создает клиента таблицы
func NewClient(opts Options, cache interfaces.CachePort, logger interfaces.LoggerPort) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       baseURL,
		spreadsheetID: opts.SpreadsheetID,
		accessToken:   opts.AccessToken,
		refreshToken:  opts.RefreshToken,
		oauth:         opts.OAuth,
		tenantID:      opts.TenantID,
		cache:         cache,
		logger:        logger,
		onTokenSaved:  opts.OnTokenSaved,
	}
}

// request выполняет запрос с bearer-токеном; на 401 обновляет токен ровно
// один раз и повторяет тот же запрос, второй 401 поднимается как ошибка
// аутентификации
func (c *Client) request(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	respBody, status, err := c.do(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		if err := c.refreshAccessToken(ctx); err != nil {
			return nil, err
		}
		respBody, status, err = c.do(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, syncerr.New(syncerr.KindAuthFailed, "sheets auth failed after token refresh, reconnect required")
		}
	}

	if status >= 400 {
		return nil, c.classifyError(ctx, status, respBody)
	}
	return respBody, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build sheets request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, syncerr.Wrap(syncerr.KindUpstreamAPI, "sheets request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, syncerr.Wrap(syncerr.KindUpstreamAPI, "failed to read sheets response", err)
	}
	return respBody, resp.StatusCode, nil
}

// refreshAccessToken обновляет access-токен по refresh-токену
func (c *Client) refreshAccessToken(ctx context.Context) error {
	if c.oauth == nil || c.refreshToken == "" {
		return syncerr.New(syncerr.KindAuthFailed, "sheets token expired and no refresh token available")
	}

	source := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: c.refreshToken})
	token, err := source.Token()
	if err != nil {
		return syncerr.Wrap(syncerr.KindAuthFailed, "sheets token refresh failed", err)
	}

	c.accessToken = token.AccessToken
	c.logger.InfoWithContext(ctx, "sheets access token refreshed",
		interfaces.LogField{Key: "tenant_id", Value: c.tenantID})

	if c.onTokenSaved != nil {
		if err := c.onTokenSaved(ctx, token.AccessToken, token.Expiry); err != nil {
			// Персистенция токена не должна валить рабочий запрос
			c.logger.WarnWithContext(ctx, "failed to persist refreshed token",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
	}
	return nil
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// classifyError переводит ответ с ошибкой в типизированную ошибку таксономии
func (c *Client) classifyError(ctx context.Context, status int, body []byte) error {
	var parsed apiErrorBody
	_ = json.Unmarshal(body, &parsed)
	message := parsed.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	quotaMarker := parsed.Error.Status == "RESOURCE_EXHAUSTED" ||
		strings.Contains(strings.ToLower(message), "quota")

	switch {
	case status == http.StatusTooManyRequests || (quotaMarker && status != http.StatusForbidden):
		c.setRateLimitFlag(ctx)
		return syncerr.RateLimited("sheets rate limit exceeded: "+message, 0)
	case status == http.StatusForbidden && quotaMarker:
		return syncerr.New(syncerr.KindQuotaExceeded, "sheets quota exceeded: "+message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.New(syncerr.KindAuthFailed, "sheets auth failed: "+message)
	default:
		return syncerr.New(syncerr.KindUpstreamAPI, fmt.Sprintf("sheets api error (status %d): %s", status, message))
	}
}

// setRateLimitFlag выставляет короткоживущий флаг rate-limit арендатора
func (c *Client) setRateLimitFlag(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetWithTenant(ctx, rateLimitFlagKey, []byte("1"), c.tenantID, rateLimitFlagTTL); err != nil {
		c.logger.WarnWithContext(ctx, "failed to set rate limit flag",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// IsRateLimited сообщает, действует ли для арендатора флаг rate-limit
func IsRateLimited(ctx context.Context, cache interfaces.CachePort, tenantID string) bool {
	if cache == nil {
		return false
	}
	val, err := cache.GetWithTenant(ctx, rateLimitFlagKey, tenantID)
	return err == nil && len(val) > 0
}
