package wa

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Version is a protocol version triple.
type Version [3]int

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// VersionSource reports the latest protocol version.
type VersionSource interface {
	Latest(ctx context.Context) (Version, error)
}

// HTTPVersionSource fetches {"version":[a,b,c]} from a URL.
type HTTPVersionSource struct {
	client *resty.Client
	url    string
}

// NewHTTPVersionSource creates a source reading url with a short timeout.
func NewHTTPVersionSource(url string) *HTTPVersionSource {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(1).
		SetHeader("Accept", "application/json")
	return &HTTPVersionSource{client: client, url: url}
}

type versionResponse struct {
	Version []int `json:"version"`
}

func (s *HTTPVersionSource) Latest(ctx context.Context) (Version, error) {
	var body versionResponse
	// raw.githubusercontent.com serves JSON as text/plain
	resp, err := s.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&body).
		Get(s.url)
	if err != nil {
		return Version{}, fmt.Errorf("fetch version: %w", err)
	}
	if resp.IsError() {
		return Version{}, fmt.Errorf("fetch version: unexpected status %d", resp.StatusCode())
	}
	if len(body.Version) != 3 {
		return Version{}, fmt.Errorf("fetch version: malformed response %q", resp.String())
	}
	return Version{body.Version[0], body.Version[1], body.Version[2]}, nil
}
