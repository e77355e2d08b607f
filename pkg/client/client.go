package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"peerlink/internal/core/domain"
	apperrors "peerlink/pkg/errors"
)

// Client talks to the peerlink control API
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Code       apperrors.ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type Connection struct {
	domain.ConnectionInfo
	States map[string]string `json:"states"`
}

type Token struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	AccessToken   string               `json:"access_token"`
	ExpiresIn     int                  `json:"expires_in"`
}

// New creates a client for baseURL, e.g. http://localhost:8080
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetToken sets the bearer token sent with every request
func (c *Client) SetToken(token string) {
	c.token = token
}

// IssueToken requests a token for id and keeps it for later calls
func (c *Client) IssueToken(ctx context.Context, id domain.ParticipantID) (Token, error) {
	var token Token
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/token", map[string]string{"participant_id": string(id)}, &token)
	if err == nil {
		c.token = token.AccessToken
	}
	return token, err
}

func (c *Client) CreateConnection(ctx context.Context, id domain.ParticipantID, compression *domain.CompressionConfig) (Connection, error) {
	var conn Connection
	var body interface{}
	if compression != nil {
		body = map[string]interface{}{"compression": compression}
	}
	err := c.do(ctx, http.MethodPost, connectionPath(id, ""), body, &conn)
	return conn, err
}

func (c *Client) GetConnection(ctx context.Context, id domain.ParticipantID) (Connection, error) {
	var conn Connection
	err := c.do(ctx, http.MethodGet, connectionPath(id, ""), nil, &conn)
	return conn, err
}

func (c *Client) CloseConnection(ctx context.Context, id domain.ParticipantID) error {
	return c.do(ctx, http.MethodDelete, connectionPath(id, ""), nil, nil)
}

func (c *Client) ListConnections(ctx context.Context) ([]Connection, error) {
	var resp struct {
		Connections []Connection `json:"connections"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/connections", nil, &resp)
	return resp.Connections, err
}

func (c *Client) GetStats(ctx context.Context, id domain.ParticipantID) (domain.ConnectionStats, error) {
	var resp struct {
		Stats domain.ConnectionStats `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, connectionPath(id, "/stats"), nil, &resp)
	return resp.Stats, err
}

func (c *Client) GetAllStats(ctx context.Context) (map[domain.ParticipantID]domain.ConnectionStats, error) {
	var resp struct {
		Stats map[domain.ParticipantID]domain.ConnectionStats `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/connections/stats", nil, &resp)
	return resp.Stats, err
}

// CreateOffer asks the server side to offer
func (c *Client) CreateOffer(ctx context.Context, id domain.ParticipantID) (domain.SignalingEnvelope, error) {
	var env domain.SignalingEnvelope
	err := c.do(ctx, http.MethodPost, connectionPath(id, "/offer"), nil, &env)
	return env, err
}

// CreateAnswer hands a remote offer to the server side and returns its answer
func (c *Client) CreateAnswer(ctx context.Context, id domain.ParticipantID, offerSDP string) (domain.SignalingEnvelope, error) {
	var env domain.SignalingEnvelope
	err := c.do(ctx, http.MethodPost, connectionPath(id, "/answer"), map[string]string{"sdp": offerSDP}, &env)
	return env, err
}

// SendAnswer answers an offer obtained from CreateOffer
func (c *Client) SendAnswer(ctx context.Context, id domain.ParticipantID, answerSDP string) error {
	return c.do(ctx, http.MethodPost, connectionPath(id, "/remote-answer"), map[string]string{"sdp": answerSDP}, nil)
}

func (c *Client) AddCandidate(ctx context.Context, id domain.ParticipantID, candidate domain.SignalingEnvelope) error {
	candidate.Kind = domain.EnvelopeCandidate
	return c.do(ctx, http.MethodPost, connectionPath(id, "/candidates"), candidate, nil)
}

func (c *Client) RTCConfiguration(ctx context.Context) (domain.RTCConfiguration, error) {
	var cfg domain.RTCConfiguration
	err := c.do(ctx, http.MethodGet, "/api/v1/rtc-configuration", nil, &cfg)
	return cfg, err
}

func (c *Client) UpdateRTCConfiguration(ctx context.Context, cfg domain.RTCConfiguration) (domain.RTCConfiguration, error) {
	var updated domain.RTCConfiguration
	err := c.do(ctx, http.MethodPut, "/api/v1/rtc-configuration", cfg, &updated)
	return updated, err
}

func connectionPath(id domain.ParticipantID, suffix string) string {
	return "/api/v1/connections/" + url.PathEscape(string(id)) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return parseResponse(resp, out)
}

func parseResponse(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
		var errResp apperrors.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Code != "" {
			apiErr.Code = errResp.Error.Code
			apiErr.Message = errResp.Error.Message
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
