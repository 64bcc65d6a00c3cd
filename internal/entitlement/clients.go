package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/openacr/openacr/internal/common/errors"
)

// AccessLinkClient calls the external asset/access-link mutation API to
// fulfil revoked decisions. Failures are logged and surfaced to callers
// as soft warnings; the client never retries.
type AccessLinkClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAccessLinkClient creates a client for the access-link mutation API
func NewAccessLinkClient(baseURL string, logger *zap.Logger) *AccessLinkClient {
	return &AccessLinkClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With(zap.String("component", "access_link_client")),
	}
}

// RequestRemoval asks the access-link API to remove a grant
func (c *AccessLinkClient) RequestRemoval(ctx context.Context, grant Grant) error {
	body, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal removal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/access-links/removals", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build removal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.DownstreamUnavailable("access-link-api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apperrors.DownstreamUnavailable("access-link-api",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	c.logger.Debug("Entitlement removal requested",
		zap.String("tenant_id", grant.TenantID),
		zap.String("user_id", grant.UserID),
		zap.String("app_id", grant.AppID))

	return nil
}

// NotificationClient delivers reminder and escalation messages through
// the platform notification gateway.
type NotificationClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewNotificationClient creates a client for the notification gateway
func NewNotificationClient(baseURL string, logger *zap.Logger) *NotificationClient {
	return &NotificationClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With(zap.String("component", "notification_client")),
	}
}

// Send delivers a notification. A failure is typed as
// NotificationDeliveryFailed so callers can treat it as soft.
func (c *NotificationClient) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NotificationDeliveryFailed(n.RecipientID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apperrors.NotificationDeliveryFailed(n.RecipientID,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	return nil
}
