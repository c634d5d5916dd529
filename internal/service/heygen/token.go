package heygen

import (
	"context"

	"github.com/rs/zerolog"
)

// TokenIssuer issues session tokens through streaming.create_token.
type TokenIssuer struct {
	client *Client
	logger zerolog.Logger
}

// NewTokenIssuer 基于 API Key 签发令牌。
func NewTokenIssuer(client *Client, logger zerolog.Logger) *TokenIssuer {
	return &TokenIssuer{client: client, logger: logger}
}

// IssueToken returns "" when the token cannot be created.
func (i *TokenIssuer) IssueToken(ctx context.Context) string {
	token, err := i.client.CreateToken(ctx)
	if err != nil {
		i.logger.Error().Err(err).Msg("Error fetching access token")
		return ""
	}
	i.logger.Debug().Msg("Access Token issued")
	return token
}
