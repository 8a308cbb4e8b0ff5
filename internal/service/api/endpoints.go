package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"sealchat/internal/model"
)

// GetIdentityPublicKey fetches a participant's published identity key.
func (c *Client) GetIdentityPublicKey(ctx context.Context, userID, token string) (*model.PublicKeyInfo, error) {
	var info model.PublicKeyInfo
	path := fmt.Sprintf("/keys/identity/public/%s", url.PathEscape(userID))
	if err := c.do(ctx, http.MethodGet, path, token, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetLegacyKeys queries the legacy per-device key registry, the fallback when
// the identity endpoint has no entry for a user.
func (c *Client) GetLegacyKeys(ctx context.Context, userID, token string) (*model.LegacyKeys, error) {
	var keys model.LegacyKeys
	path := fmt.Sprintf("/keys/%s", url.PathEscape(userID))
	if err := c.do(ctx, http.MethodGet, path, token, nil, &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

// UploadIdentityBundle stores the passphrase-wrapped identity backup.
func (c *Client) UploadIdentityBundle(ctx context.Context, bundle *model.IdentityBundle, token string) error {
	return c.do(ctx, http.MethodPost, "/keys/identity", token, bundle, nil)
}

// UnlockIdentityBundle retrieves the server-held encrypted bundle for this
// account. ErrNotFound means no bundle has ever been uploaded.
func (c *Client) UnlockIdentityBundle(ctx context.Context, password, token string) (*model.IdentityBundle, error) {
	body := map[string]string{"password": password}
	var bundle model.IdentityBundle
	if err := c.do(ctx, http.MethodPost, "/keys/identity/unlock", token, body, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// RegisterDevice publishes the identity key for the current device id.
func (c *Client) RegisterDevice(ctx context.Context, deviceID string, identityKey []byte, keyVersion uint32, token string) error {
	body := map[string]any{
		"deviceId":    deviceID,
		"identityKey": identityKey,
		"keyVersion":  keyVersion,
	}
	return c.do(ctx, http.MethodPost, "/keys/register", token, body, nil)
}

// AppendEnvelopes adds envelopes to an existing message's envelope set. The
// repair protocol uses this to backfill recipients that never got one.
func (c *Client) AppendEnvelopes(ctx context.Context, messageID string, envelopes []model.Envelope, token string) error {
	body := map[string]any{
		"messageId": messageID,
		"envelopes": envelopes,
	}
	return c.do(ctx, http.MethodPost, "/keys/envelopes", token, body, nil)
}

// GetMessages pages backward through a chat's encrypted history.
func (c *Client) GetMessages(ctx context.Context, chatID string, limit int, before, deviceID, token string) (*model.HistoryPage, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if before != "" {
		params.Set("before", before)
	}
	if deviceID != "" {
		params.Set("deviceId", deviceID)
	}
	path := fmt.Sprintf("/chat/%s/messages?%s", url.PathEscape(chatID), params.Encode())

	var page model.HistoryPage
	if err := c.do(ctx, http.MethodGet, path, token, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}
