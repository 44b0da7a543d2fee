package security

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// GoogleEndpoint конечные точки OAuth 2.0 Google
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// NewGoogleOAuthConfig собирает конфигурацию авторизационного потока Google
func NewGoogleOAuthConfig(clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     GoogleEndpoint,
	}
}

// AuthorizationURL возвращает адрес страницы согласия с подписанным state.
// Запрашивается offline-доступ, чтобы получить refresh-токен.
func AuthorizationURL(cfg *oauth2.Config, state string) string {
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeCode обменивает authorization code на пару токенов
func ExchangeCode(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return token, nil
}
