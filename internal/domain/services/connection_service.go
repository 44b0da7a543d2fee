package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/adapters/storage"
	"github.com/athebyme/sheetsync-platform/internal/clients/sheets"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/security"
	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/pkg/errors"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"golang.org/x/oauth2"
)

// ConnectionService управляет подключением таблицы арендатора: проводит
// OAuth-поток, хранит токены в зашифрованном виде и собирает готовых
// клиентов таблиц для заданий синхронизации
type ConnectionService struct {
	storage storage.SyncStoragePort
	cache   interfaces.CachePort
	cipher  *security.TokenCipher
	states  *security.StateManager
	oauth   *oauth2.Config
	logger  interfaces.LoggerPort
}

// NewConnectionService создает новый экземпляр ConnectionService
func NewConnectionService(
	storagePort storage.SyncStoragePort,
	cachePort interfaces.CachePort,
	cipher *security.TokenCipher,
	states *security.StateManager,
	oauthCfg *oauth2.Config,
	logger interfaces.LoggerPort,
) *ConnectionService {
	return &ConnectionService{
		storage: storagePort,
		cache:   cachePort,
		cipher:  cipher,
		states:  states,
		oauth:   oauthCfg,
		logger:  logger,
	}
}

// AuthorizationURL возвращает адрес страницы согласия Google для арендатора
func (s *ConnectionService) AuthorizationURL(tenantID, returnPath string) (string, error) {
	if tenantID == "" {
		return "", syncerr.Validation("tenant id is required")
	}
	state, err := s.states.Generate(tenantID, returnPath)
	if err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	return security.AuthorizationURL(s.oauth, state), nil
}

// HandleCallback завершает OAuth-поток: проверяет state, обменивает код на
// токены и сохраняет их шифротексты в подключении арендатора. Существующее
// подключение сохраняет выбранную таблицу, меняются только токены.
func (s *ConnectionService) HandleCallback(ctx context.Context, state, code string) (*security.StateClaims, error) {
	claims, err := s.states.Validate(state)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindAuthFailed, "oauth state rejected", err)
	}

	token, err := security.ExchangeCode(ctx, s.oauth, code)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindAuthFailed, "authorization code exchange failed", err)
	}

	accessCipher, err := s.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	conn, err := s.storage.GetConnection(ctx, claims.TenantID)
	if err != nil {
		if !stderrors.Is(err, errors.ErrNotFound) {
			return nil, fmt.Errorf("failed to get connection: %w", err)
		}
		conn = &models.SpreadsheetConnection{TenantID: claims.TenantID}
	}

	conn.AccessTokenCipher = accessCipher
	if token.RefreshToken != "" {
		refreshCipher, err := s.cipher.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		conn.RefreshTokenCipher = refreshCipher
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		conn.TokenExpiresAt = &expiry
	}

	if err := s.storage.SaveConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	s.logger.InfoWithContext(ctx, "таблица авторизована",
		interfaces.LogField{Key: "tenant_id", Value: claims.TenantID})
	return claims, nil
}

// Configure привязывает конкретную таблицу и лист к подключению арендатора
func (s *ConnectionService) Configure(ctx context.Context, tenantID, spreadsheetID, sheetName, sheetURL string) (*models.SpreadsheetConnection, error) {
	if spreadsheetID == "" {
		return nil, syncerr.Validation("spreadsheet id is required")
	}
	if sheetName == "" {
		return nil, syncerr.Validation("sheet name is required")
	}

	conn, err := s.storage.GetConnection(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil, syncerr.NotFound("no spreadsheet connection, authorize first")
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	conn.SpreadsheetID = spreadsheetID
	conn.SheetName = sheetName
	conn.SheetURL = sheetURL
	if err := s.storage.SaveConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}
	return conn, nil
}

// GetConnection возвращает подключение арендатора
func (s *ConnectionService) GetConnection(ctx context.Context, tenantID string) (*models.SpreadsheetConnection, error) {
	conn, err := s.storage.GetConnection(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil, syncerr.NotFound("no spreadsheet connection for tenant")
		}
		return nil, err
	}
	return conn, nil
}

// MarkSynced отмечает момент последней успешной синхронизации подключения
func (s *ConnectionService) MarkSynced(ctx context.Context, tenantID string) {
	conn, err := s.storage.GetConnection(ctx, tenantID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	conn.LastSyncedAt = &now
	if err := s.storage.SaveConnection(ctx, conn); err != nil {
		s.logger.WarnWithContext(ctx, "не удалось отметить время синхронизации",
			interfaces.LogField{Key: "tenant_id", Value: tenantID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// Disconnect удаляет подключение и токены арендатора
func (s *ConnectionService) Disconnect(ctx context.Context, tenantID string) error {
	err := s.storage.DeleteConnection(ctx, tenantID)
	if stderrors.Is(err, errors.ErrNotFound) {
		return syncerr.NotFound("no spreadsheet connection for tenant")
	}
	return err
}

// BuildSheetClient собирает аутентифицированного клиента таблицы арендатора.
// Токены расшифровываются транзиентно, обновленный access-токен уходит
// обратно в хранилище в зашифрованном виде.
func (s *ConnectionService) BuildSheetClient(ctx context.Context, tenantID string) (*sheets.Client, *models.SpreadsheetConnection, error) {
	conn, err := s.GetConnection(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if conn.SpreadsheetID == "" || conn.SheetName == "" {
		return nil, nil, syncerr.Validation("spreadsheet connection is not configured")
	}

	accessToken, err := s.cipher.Decrypt(conn.AccessTokenCipher)
	if err != nil {
		return nil, nil, syncerr.Wrap(syncerr.KindAuthFailed, "failed to decrypt access token", err)
	}
	refreshToken := ""
	if len(conn.RefreshTokenCipher) > 0 {
		refreshToken, err = s.cipher.Decrypt(conn.RefreshTokenCipher)
		if err != nil {
			return nil, nil, syncerr.Wrap(syncerr.KindAuthFailed, "failed to decrypt refresh token", err)
		}
	}

	client := sheets.NewClient(sheets.Options{
		SpreadsheetID: conn.SpreadsheetID,
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		OAuth:         s.oauth,
		TenantID:      tenantID,
		OnTokenSaved: func(ctx context.Context, newAccess string, expiry time.Time) error {
			cipherText, err := s.cipher.Encrypt(newAccess)
			if err != nil {
				return fmt.Errorf("failed to encrypt refreshed token: %w", err)
			}
			var expiresAt *time.Time
			if !expiry.IsZero() {
				e := expiry.UTC()
				expiresAt = &e
			}
			return s.storage.UpdateConnectionTokens(ctx, tenantID, cipherText, expiresAt)
		},
	}, s.cache, s.logger)

	return client, conn, nil
}
