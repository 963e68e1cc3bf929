package convert

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxSourceBytes は取得する文書サイズの上限です。
const maxSourceBytes = 32 << 20

// HTTPFetcher は baseURL/<subjectID> から文書を取得します。
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher は HTTPFetcher を作成します。
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, subjectID string) (*Document, error) {
	if f.baseURL == "" {
		return nil, fmt.Errorf("source base url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+url.PathEscape(subjectID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxSourceBytes {
		return nil, fmt.Errorf("source document exceeds %d bytes", maxSourceBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	return &Document{
		SubjectID:   subjectID,
		Title:       resp.Header.Get("X-Document-Title"),
		ContentType: contentType,
		Body:        body,
	}, nil
}
