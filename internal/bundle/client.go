package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"worksheet-service/internal/domain"
)

// Info is the subset of bundle metadata shown next to worksheet items.
type Info struct {
	UUID     string         `json:"uuid"`
	Name     string         `json:"name,omitempty"`
	OwnerID  uint64         `json:"owner_id,omitempty"`
	State    string         `json:"state,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Directory interface {
	BatchGetBundleInfo(ctx context.Context, uuids []string) (map[string]Info, error)
	ResolveBundleSpec(ctx context.Context, baseWorksheetUUID, spec string) (string, error)
}

// Client talks to the bundle service over its internal HTTP API.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type batchRequest struct {
	UUIDs []string `json:"uuids"`
}

type batchResponse struct {
	Data []Info `json:"data"`
}

// BatchGetBundleInfo fetches every bundle in a single request. Missing bundles
// are simply absent from the result.
func (c *Client) BatchGetBundleInfo(ctx context.Context, uuids []string) (map[string]Info, error) {
	result := make(map[string]Info, len(uuids))
	if len(uuids) == 0 {
		return result, nil
	}

	body, err := json.Marshal(batchRequest{UUIDs: uuids})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/internal/bundles/batch",
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var payload batchResponse
	if err := c.do(req, &payload); err != nil {
		return nil, fmt.Errorf("bundle service batch get: %w", err)
	}

	for _, info := range payload.Data {
		result[info.UUID] = info
	}
	return result, nil
}

type resolveResponse struct {
	UUID string `json:"uuid"`
}

// ResolveBundleSpec turns a human bundle spec into a bundle uuid, relative to
// the worksheet it is being added to.
func (c *Client) ResolveBundleSpec(ctx context.Context, baseWorksheetUUID, spec string) (string, error) {
	q := url.Values{}
	q.Set("spec", spec)
	if baseWorksheetUUID != "" {
		q.Set("worksheet", baseWorksheetUUID)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+"/internal/bundles/resolve?"+q.Encode(),
		nil,
	)
	if err != nil {
		return "", err
	}

	var payload resolveResponse
	if err := c.do(req, &payload); err != nil {
		return "", fmt.Errorf("resolve bundle %q: %w", spec, err)
	}
	if payload.UUID == "" {
		return "", fmt.Errorf("resolve bundle %q: %w", spec, domain.ErrNotFound)
	}
	return payload.UUID, nil
}

func (c *Client) do(req *http.Request, dest any) error {
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf(
			"bundle service error: status=%d body=%s",
			resp.StatusCode,
			string(b),
		)
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}
