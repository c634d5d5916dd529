// Package heygen talks to the HeyGen streaming avatar API.
package heygen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	TaskTypeRepeat = "repeat"
	TaskTypeTalk   = "talk"
	TaskModeSync   = "sync"
	TaskModeAsync  = "async"
)

// ErrEmptyToken 表示令牌接口返回成功但没有令牌。
var ErrEmptyToken = errors.New("heygen returned an empty token")

// APIError is a non-2xx answer from the streaming API.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("heygen %s: status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// VoiceSetting 对应 streaming.new 的 voice 字段。
type VoiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Rate    float64 `json:"rate"`
	Emotion string  `json:"emotion,omitempty"`
}

// NewSessionRequest is the body of streaming.new. Empty identities are sent as
// empty strings so the service applies its own defaults.
type NewSessionRequest struct {
	Quality            string       `json:"quality"`
	AvatarName         string       `json:"avatar_name"`
	Voice              VoiceSetting `json:"voice"`
	Language           string       `json:"language"`
	Version            string       `json:"version"`
	VideoEncoding      string       `json:"video_encoding"`
	DisableIdleTimeout bool         `json:"disable_idle_timeout"`
}

// SessionInfo is the data block returned by streaming.new.
type SessionInfo struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url"`
	AccessToken      string `json:"access_token"`
	RealtimeEndpoint string `json:"realtime_endpoint"`
	SessionDuration  int    `json:"session_duration_limit"`
}

// TaskRequest is the body of streaming.task.
type TaskRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TaskType  string `json:"task_type"`
	TaskMode  string `json:"task_mode"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// Client wraps the REST side of the streaming API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a client. apiKey is only needed for CreateToken.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// CreateToken exchanges the API key for a streaming session token.
func (c *Client) CreateToken(ctx context.Context) (string, error) {
	var data struct {
		Token string `json:"token"`
	}
	header := http.Header{"X-Api-Key": []string{c.apiKey}}
	if err := c.do(ctx, "streaming.create_token", header, nil, &data); err != nil {
		return "", err
	}
	if data.Token == "" {
		return "", ErrEmptyToken
	}
	return data.Token, nil
}

// NewSession creates a streaming session.
func (c *Client) NewSession(ctx context.Context, token string, req NewSessionRequest) (SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, "streaming.new", bearer(token), req, &info); err != nil {
		return SessionInfo{}, err
	}
	if info.SessionID == "" {
		return SessionInfo{}, &APIError{Operation: "streaming.new", StatusCode: http.StatusOK, Message: "missing session_id"}
	}
	return info, nil
}

// StartSession 通知服务端开始推流。
func (c *Client) StartSession(ctx context.Context, token, sessionID string) error {
	return c.do(ctx, "streaming.start", bearer(token), sessionRequest{SessionID: sessionID}, nil)
}

// SendTask asks the avatar to speak text.
func (c *Client) SendTask(ctx context.Context, token string, req TaskRequest) error {
	return c.do(ctx, "streaming.task", bearer(token), req, nil)
}

// Interrupt cancels the current utterance.
func (c *Client) Interrupt(ctx context.Context, token, sessionID string) error {
	return c.do(ctx, "streaming.interrupt", bearer(token), sessionRequest{SessionID: sessionID}, nil)
}

// StopSession closes the streaming session on the server.
func (c *Client) StopSession(ctx context.Context, token, sessionID string) error {
	return c.do(ctx, "streaming.stop", bearer(token), sessionRequest{SessionID: sessionID}, nil)
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func (c *Client) do(ctx context.Context, operation string, header http.Header, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/"+operation, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("heygen %s: %w", operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("heygen %s: read body: %w", operation, err)
	}

	c.logger.Debug().
		Str("operation", operation).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("heygen call finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("heygen %s: decode response: %w", operation, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Message: "response has no data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("heygen %s: decode data: %w", operation, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		if env.Message != "" {
			return env.Message
		}
		if len(env.Error) > 0 && string(env.Error) != "null" {
			var detail struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(env.Error, &detail) == nil && detail.Message != "" {
				return detail.Message
			}
			return string(env.Error)
		}
	}
	return strings.TrimSpace(string(raw))
}
