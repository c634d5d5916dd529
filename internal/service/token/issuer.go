// Package token issues short-lived credentials for the avatar streaming service.
package token

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Issuer 返回一次性访问令牌。失败时返回空字符串，由调用方视为失败。
type Issuer interface {
	IssueToken(ctx context.Context) string
}

// Func adapts a plain function to Issuer.
type Func func(ctx context.Context) string

// IssueToken calls f.
func (f Func) IssueToken(ctx context.Context) string {
	return f(ctx)
}

const maxTokenBytes = 64 << 10

// HTTPIssuer POSTs to a token endpoint and reads the response body as the raw token.
type HTTPIssuer struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPIssuer creates an issuer for url. A nil client gets a 10s timeout client.
func NewHTTPIssuer(url string, client *http.Client, logger zerolog.Logger) *HTTPIssuer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPIssuer{
		url:    url,
		client: client,
		logger: logger.With().Str("issuer", "http").Logger(),
	}
}

// IssueToken implements Issuer.
func (i *HTTPIssuer) IssueToken(ctx context.Context) string {
	token, err := i.fetch(ctx)
	if err != nil {
		i.logger.Error().Err(err).Str("url", i.url).Msg("Error fetching access token")
		return ""
	}
	return token
}

func (i *HTTPIssuer) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, nil)
	if err != nil {
		return "", err
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBytes))
	if err != nil {
		return "", fmt.Errorf("read token body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return strings.TrimSpace(string(body)), nil
}
