package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a Store backed by a remote keymeshd.
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

func (c *Client) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	u := c.blobURL(key)
	if ttl > 0 {
		u.RawQuery = url.Values{"ttl": {strconv.FormatInt(int64(ttl/time.Second), 10)}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return blobStatusErr(resp)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	u := c.blobURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, blobStatusErr(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	u := c.blobURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return blobStatusErr(resp)
	}
	return nil
}

func (c *Client) blobURL(key string) url.URL {
	return url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/v1/blobs/" + key,
	}
}

func blobStatusErr(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrExpired
	}
	return fmt.Errorf("blob store: unexpected status %s", resp.Status)
}
