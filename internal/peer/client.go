// Package peer is the HTTP client side of the node API: segment fetches,
// announcement exchange and the admin calls the CLI makes.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/gossip"
	"github.com/datallboy/pkgswarm/internal/hashstream"
	"github.com/datallboy/pkgswarm/internal/manifest"
)

// Segment is one fetched segment, not yet verified.
type Segment struct {
	Index int
	Data  []byte
}

type Client struct {
	http    *http.Client
	newHash domain.HashFunc
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		newHash: domain.SHA256,
	}
}

// FetchSegments asks a peer for segments of a package. The peer may return a
// subset; refusals come back as *domain.FetchError.
func (c *Client) FetchSegments(ctx context.Context, peerURL, hash string, seq domain.SequenceInfo, indices []int) ([]Segment, error) {
	q := url.Values{}
	for _, i := range indices {
		q.Add("i", strconv.Itoa(i))
	}
	endpoint := fmt.Sprintf("%s/api/packages/%s/segments?%s", peerURL, url.PathEscape(hash), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readFailure(endpoint, resp)
	}

	got, err := ParseIndices(resp.Header.Get(SegmentsHeader))
	if err != nil {
		return nil, fmt.Errorf("bad %s header from %s: %w", SegmentsHeader, peerURL, err)
	}

	segments := make([]Segment, 0, len(got))
	for _, idx := range got {
		size, err := seq.SizeOf(idx)
		if err != nil {
			return nil, fmt.Errorf("peer %s sent %w", peerURL, err)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			return nil, fmt.Errorf("short segment %d from %s: %w", idx, peerURL, err)
		}
		segments = append(segments, Segment{Index: idx, Data: buf})
	}
	return segments, nil
}

func (c *Client) PushAnnouncement(ctx context.Context, peerURL string, a gossip.Announcement) error {
	return c.doJSON(ctx, http.MethodPost, peerURL+"/api/announce", a, nil)
}

func (c *Client) GetAnnouncement(ctx context.Context, peerURL string) (gossip.Announcement, error) {
	var a gossip.Announcement
	err := c.doJSON(ctx, http.MethodGet, peerURL+"/api/announce", nil, &a)
	return a, err
}

// GetManifest downloads and checks a package manifest.
func (c *Client) GetManifest(ctx context.Context, peerURL, hash string) (*manifest.Manifest, error) {
	endpoint := fmt.Sprintf("%s/api/packages/%s/manifest", peerURL, url.PathEscape(hash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readFailure(endpoint, resp)
	}
	m, err := manifest.Decode(resp.Body, c.newHash)
	if err != nil {
		return nil, err
	}
	if m.PackageHash.String() != hash {
		return nil, fmt.Errorf("peer %s served manifest for %s when asked for %s", peerURL, m.PackageHash, hash)
	}
	return m, nil
}

func (c *Client) ListPackages(ctx context.Context, nodeURL string) ([]PackageInfo, error) {
	var out []PackageInfo
	err := c.doJSON(ctx, http.MethodGet, nodeURL+"/api/packages", nil, &out)
	return out, err
}

func (c *Client) GetPackage(ctx context.Context, nodeURL, hash string) (PackageInfo, error) {
	var out PackageInfo
	err := c.doJSON(ctx, http.MethodGet, nodeURL+"/api/packages/"+url.PathEscape(hash), nil, &out)
	return out, err
}

// ImportManifest registers a manifest with a running node.
func (c *Client) ImportManifest(ctx context.Context, nodeURL string, m *manifest.Manifest) (PackageInfo, error) {
	var body bytes.Buffer
	if err := manifest.Encode(&body, m); err != nil {
		return PackageInfo{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeURL+"/api/packages", &body)
	if err != nil {
		return PackageInfo{}, err
	}
	req.Header.Set("Content-Type", "application/yaml")

	var out PackageInfo
	return out, c.do(req, &out)
}

func (c *Client) Validate(ctx context.Context, nodeURL, hash string) (*hashstream.ValidationResult, error) {
	var out hashstream.ValidationResult
	err := c.doJSON(ctx, http.MethodPost, nodeURL+"/api/packages/"+url.PathEscape(hash)+"/validate", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, nodeURL, hash string) error {
	return c.doJSON(ctx, http.MethodDelete, nodeURL+"/api/packages/"+url.PathEscape(hash), nil, nil)
}

// DeleteWithData also removes the package's files on the node.
func (c *Client) DeleteWithData(ctx context.Context, nodeURL, hash string) error {
	return c.doJSON(ctx, http.MethodDelete, nodeURL+"/api/packages/"+url.PathEscape(hash)+"?remove_data=true", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readFailure(req.URL.String(), resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// readFailure turns an error response into a typed fault when the body
// carries one, or a plain error otherwise.
func readFailure(endpoint string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var fr FaultResponse
	if json.Unmarshal(data, &fr) == nil && fr.Fault != "" {
		if fe, ok := domain.ParseFetchFault(fr.Fault); ok {
			return fe
		}
	}
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return fmt.Errorf("http %s: %d: %s", endpoint, resp.StatusCode, er.Error)
	}
	return fmt.Errorf("http %s: %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
}
