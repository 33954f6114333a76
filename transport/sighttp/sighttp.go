// Package sighttp provides the default HTTP-based dispatch.SignalTransport.
package sighttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/atlaschat/sigsend/crypto/session"
	"github.com/atlaschat/sigsend/dispatch"
)

// Transport implements dispatch.SignalTransport over plain HTTP, matching
// the wire shapes in spec.md §6 bit-exact.
type Transport struct {
	baseURL string
	client  *http.Client

	// AuthToken, when set, is sent as a bearer credential on every request.
	AuthToken func() string
}

// New creates a Transport against baseURL (no trailing slash expected).
func New(baseURL string) *Transport {
	return &Transport{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type preKeyBundleWire struct {
	DeviceID              uint32  `json:"deviceId"`
	RegistrationID        uint32  `json:"registrationId"`
	SignedPreKeyID        uint32  `json:"signedPreKeyId"`
	SignedPreKey          []byte  `json:"signedPreKey"`
	SignedPreKeySignature []byte  `json:"signedPreKeySignature"`
	PreKeyID              *uint32 `json:"preKeyId,omitempty"`
	PreKey                []byte  `json:"preKey,omitempty"`
}

type getKeysResponse struct {
	IdentityKey []byte              `json:"identityKey"`
	Devices     []preKeyBundleWire  `json:"devices"`
}

// GetKeysForAddr implements dispatch.SignalTransport.
func (t *Transport) GetKeysForAddr(ctx context.Context, addr string, deviceID *dispatch.DeviceID) ([]*dispatch.PreKeyBundle, error) {
	path := fmt.Sprintf("/v1/keys/%s/*", url.PathEscape(addr))
	if deviceID != nil {
		path = fmt.Sprintf("/v1/keys/%s/%d", url.PathEscape(addr), *deviceID)
	}

	req, err := t.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sighttp: get keys for %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, classifyError(resp)
	}

	var wire getKeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("sighttp: decode keys response for %s: %w", addr, err)
	}

	bundles := make([]*dispatch.PreKeyBundle, len(wire.Devices))
	for i, d := range wire.Devices {
		bundles[i] = &session.PreKeyBundle{
			DeviceID:              d.DeviceID,
			IdentityKey:           wire.IdentityKey,
			RegistrationID:        d.RegistrationID,
			SignedPreKeyID:        d.SignedPreKeyID,
			SignedPreKey:          d.SignedPreKey,
			SignedPreKeySignature: d.SignedPreKeySignature,
			PreKeyID:              d.PreKeyID,
			PreKey:                d.PreKey,
		}
	}
	return bundles, nil
}

type sendMessagesRequest struct {
	Messages  []dispatch.EncryptedDeviceMessage `json:"messages"`
	Timestamp int64                             `json:"timestamp"`
}

type mismatchedDevicesBody struct {
	ExtraDevices   []uint32 `json:"extraDevices"`
	MissingDevices []uint32 `json:"missingDevices"`
}

type staleDevicesBody struct {
	StaleDevices []uint32 `json:"staleDevices"`
}

// SendMessages implements dispatch.SignalTransport.
func (t *Transport) SendMessages(ctx context.Context, addr string, messages []dispatch.EncryptedDeviceMessage, timestamp int64) error {
	body, err := json.Marshal(sendMessagesRequest{Messages: messages, Timestamp: timestamp})
	if err != nil {
		return fmt.Errorf("sighttp: encode send request for %s: %w", addr, err)
	}

	path := fmt.Sprintf("/v1/messages/%s", url.PathEscape(addr))
	req, err := t.newRequest(ctx, http.MethodPut, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sighttp: send messages to %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}
	return classifyError(resp)
}

func (t *Transport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("sighttp: build request: %w", err)
	}
	if t.AuthToken != nil {
		if tok := t.AuthToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

// classifyError turns a non-2xx response into a *dispatch.TransportError,
// decoding the 409/410 reconciliation bodies where present.
func classifyError(resp *http.Response) error {
	te := &dispatch.TransportError{Code: resp.StatusCode}

	switch resp.StatusCode {
	case http.StatusConflict: // 409
		var body mismatchedDevicesBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			te.ExtraDevices = body.ExtraDevices
			te.MissingDevices = body.MissingDevices
		}
	case http.StatusGone: // 410
		var body staleDevicesBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			te.StaleDevices = body.StaleDevices
		}
	}
	return te
}

var _ dispatch.SignalTransport = (*Transport)(nil)
