package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type IdentityStatus string

const (
	IdentityValid   IdentityStatus = "valid"
	IdentityRevoked IdentityStatus = "revoked"
	IdentityExpired IdentityStatus = "expired"
	IdentityUnknown IdentityStatus = "unknown"
)

// Authority is the signing backend that issues and revokes identities. The
// engine only talks to it through this interface.
type Authority interface {
	Status(ctx context.Context, token, identifier string) (IdentityStatus, error)
	Issue(ctx context.Context, token, appIdentifier string, distribution Distribution) (*Identity, error)
	RevokeAll(ctx context.Context, token, appIdentifier string, distribution Distribution) error
}

type HTTPAuthority struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAuthority(baseURL string) *HTTPAuthority {
	return &HTTPAuthority{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *HTTPAuthority) Status(
	ctx context.Context,
	token, identifier string,
) (IdentityStatus, error) {
	url := fmt.Sprintf("%s/v1/identities/%s/status", a.baseURL, identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return IdentityUnknown, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return IdentityUnknown, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return IdentityUnknown, nil
	}
	if resp.StatusCode != http.StatusOK {
		return IdentityUnknown, readAPIError(resp)
	}

	var body struct {
		Status IdentityStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return IdentityUnknown, err
	}
	return body.Status, nil
}

func (a *HTTPAuthority) Issue(
	ctx context.Context,
	token, appIdentifier string,
	distribution Distribution,
) (*Identity, error) {
	payload, err := json.Marshal(map[string]string{
		"app_identifier": appIdentifier,
		"distribution":   string(distribution),
	})
	if err != nil {
		return nil, err
	}

	url := a.baseURL + "/v1/identities"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	identity := new(Identity)
	if err := json.NewDecoder(resp.Body).Decode(identity); err != nil {
		return nil, err
	}
	return identity, nil
}

func (a *HTTPAuthority) RevokeAll(
	ctx context.Context,
	token, appIdentifier string,
	distribution Distribution,
) error {
	url := fmt.Sprintf(
		"%s/v1/identities?app_identifier=%s&distribution=%s",
		a.baseURL, appIdentifier, distribution,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return readAPIError(resp)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("authority returned %d: %s", resp.StatusCode, string(b))
}
