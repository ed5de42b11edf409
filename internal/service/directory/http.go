package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"keymesh/internal/model"
)

// Client talks to a keymeshd directory over HTTP.
type Client struct {
	host string
	http *http.Client
}

func NewClient(host string) *Client {
	return &Client{
		host: host,
		http: http.DefaultClient,
	}
}

func (c *Client) PublishBundle(ctx context.Context, bundle *model.PublishedBundle) error {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/v1/bundles",
	}
	return c.post(ctx, u, bundle)
}

func (c *Client) FetchBundle(ctx context.Context, device model.DeviceID) (*model.PrekeyBundle, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   fmt.Sprintf("/v1/bundles/%s/%s", device.User, device.Device),
	}

	var bundle model.PrekeyBundle
	if err := c.get(ctx, u, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (c *Client) ConsumeOneTimeKey(ctx context.Context, device model.DeviceID, keyID uint32) error {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   fmt.Sprintf("/v1/bundles/%s/%s/one-time/%d/consume", device.User, device.Device, keyID),
	}
	return c.post(ctx, u, nil)
}

func (c *Client) PublishCapabilities(ctx context.Context, caps *model.CapabilitySet) error {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/v1/capabilities",
	}
	return c.post(ctx, u, caps)
}

func (c *Client) FetchCapabilities(ctx context.Context, device model.DeviceID) (*model.CapabilitySet, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   fmt.Sprintf("/v1/capabilities/%s/%s", device.User, device.Device),
	}

	var caps model.CapabilitySet
	if err := c.get(ctx, u, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

func (c *Client) get(ctx context.Context, u url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusErr(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, u url.URL, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return statusErr(resp)
	}
	return nil
}

func statusErr(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrPrekeyConsumed
	}
	return fmt.Errorf("directory: unexpected status %s", resp.Status)
}
