package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/testutil"
	"peerlink/pkg/config"
	apperrors "peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const remoteSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type apiFixture struct {
	router     *gin.Engine
	manager    *services.PeerConnectionManager
	transports *testutil.StubTransportFactory
	metrics    *monitoring.ConnectionMetrics
	auth       services.AuthService
}

func newAPIFixture(t *testing.T, withAuth bool) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zaptest.NewLogger(t).Sugar()
	transports := testutil.NewStubTransportFactory()
	manager, err := services.NewPeerConnectionManager(
		domain.DefaultRTCConfiguration(),
		transports,
		services.NewMetadataHookFactory(logger),
		services.WithLogger(logger),
		services.WithStatsInterval(time.Hour),
	)
	require.NoError(t, err)
	t.Cleanup(manager.Destroy)

	metrics := monitoring.NewConnectionMetrics()
	health := monitoring.NewHealthChecker()
	health.AddCheck("always", func(context.Context) error { return nil }, time.Second)

	cfg := config.DefaultConfig()
	cfg.Auth.TokenTTL = time.Minute

	f := &apiFixture{manager: manager, transports: transports, metrics: metrics}
	deps := RouterDeps{
		Config:      cfg,
		Connections: manager,
		Logger:      logger,
		Health:      health,
		Metrics:     metrics,
	}
	if withAuth {
		f.auth = services.NewAuthService("secret", "peerlink", cfg.Auth.TokenTTL)
		deps.Auth = f.auth
	}
	f.router = NewRouter(deps)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestConnectionHandler_Lifecycle(t *testing.T) {
	f := newAPIFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/v1/connections/alice", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created ConnectionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, domain.ParticipantID("alice"), created.ParticipantID)
	assert.Equal(t, domain.DefaultCompressionConfig(), created.Compression)
	assert.Contains(t, created.States, "signaling_state")

	w = f.do(t, http.MethodPost, "/api/v1/connections/alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ErrCodeConflict, errorCode(t, w))

	w = f.do(t, http.MethodGet, "/api/v1/connections/alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Connections []ConnectionResponse `json:"connections"`
		Count       int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = f.do(t, http.MethodDelete, "/api/v1/connections/alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, f.transports.Transport("alice").Closed())

	w = f.do(t, http.MethodGet, "/api/v1/connections/alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.ErrCodeNotFound, errorCode(t, w))

	// closing twice is not an error
	w = f.do(t, http.MethodDelete, "/api/v1/connections/alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestConnectionHandler_CreateWithCompression(t *testing.T) {
	f := newAPIFixture(t, false)

	cfg := domain.DefaultCompressionConfig()
	cfg.QuantumBitDepth = 16
	w := f.do(t, http.MethodPost, "/api/v1/connections/bob", CreateConnectionRequest{Compression: &cfg})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	info, err := f.manager.GetConnectionInfo("bob")
	require.NoError(t, err)
	assert.Equal(t, 16, info.Compression.QuantumBitDepth)

	cfg.QuantumBitDepth = 99
	w = f.do(t, http.MethodPost, "/api/v1/connections/carol", CreateConnectionRequest{Compression: &cfg})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.transports.Transport("carol"))
}

func TestConnectionHandler_InvalidParticipant(t *testing.T) {
	f := newAPIFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/v1/connections/"+strings.Repeat("x", 200), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, errorCode(t, w))
}

func TestConnectionHandler_OfferAndRemoteAnswer(t *testing.T) {
	f := newAPIFixture(t, false)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/connections/alice", nil).Code)

	// answer before any offer is a signaling failure
	w := f.do(t, http.MethodPost, "/api/v1/connections/alice/remote-answer", DescriptionRequest{SDP: remoteSDP})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/connections/alice/offer", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var offer domain.SignalingEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offer))
	assert.Equal(t, domain.EnvelopeOffer, offer.Kind)
	assert.NotEmpty(t, offer.SDP)

	w = f.do(t, http.MethodPost, "/api/v1/connections/alice/remote-answer", DescriptionRequest{SDP: "nonsense"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/connections/alice/remote-answer", DescriptionRequest{SDP: remoteSDP})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, webrtc.SignalingStateStable, f.transports.Transport("alice").SignalingState())
}

func TestConnectionHandler_AnswerRemoteOffer(t *testing.T) {
	f := newAPIFixture(t, false)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/connections/bob", nil).Code)

	w := f.do(t, http.MethodPost, "/api/v1/connections/bob/answer", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/connections/bob/answer", DescriptionRequest{SDP: remoteSDP})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var answer domain.SignalingEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &answer))
	assert.Equal(t, domain.EnvelopeAnswer, answer.Kind)

	stub := f.transports.Transport("bob")
	require.NotNil(t, stub.RemoteDescription())
	assert.Equal(t, remoteSDP, stub.RemoteDescription().SDP)
}

func TestConnectionHandler_Candidates(t *testing.T) {
	f := newAPIFixture(t, false)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/connections/alice", nil).Code)

	w := f.do(t, http.MethodPost, "/api/v1/connections/alice/candidates", gin.H{
		"candidate": "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/connections/alice/candidates", gin.H{
		"candidate": "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		"sdp_mid":   "0",
	})
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	require.Len(t, f.transports.Transport("alice").Candidates(), 1)

	w = f.do(t, http.MethodPost, "/api/v1/connections/ghost/candidates", gin.H{
		"candidate": "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		"sdp_mid":   "0",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectionHandler_Stats(t *testing.T) {
	f := newAPIFixture(t, false)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/connections/alice", nil).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/connections/bob", nil).Code)

	w := f.do(t, http.MethodGet, "/api/v1/connections/alice/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/connections/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all struct {
		Participants []string                          `json:"participants"`
		Stats        map[string]domain.ConnectionStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, []string{"alice", "bob"}, all.Participants)
	assert.Len(t, all.Stats, 2)

	w = f.do(t, http.MethodGet, "/api/v1/connections/ghost/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectionHandler_RTCConfiguration(t *testing.T) {
	f := newAPIFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/v1/rtc-configuration", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg domain.RTCConfiguration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, domain.DefaultRTCConfiguration(), cfg)

	update := domain.DefaultRTCConfiguration()
	update.ICEServers = []domain.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	w = f.do(t, http.MethodPut, "/api/v1/rtc-configuration", update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "stun:stun.example.org:3478", f.manager.RTCConfiguration().ICEServers[0].URLs[0])

	update.ICEServers = []domain.ICEServer{{URLs: []string{"http://nope"}}}
	w = f.do(t, http.MethodPut, "/api/v1/rtc-configuration", update)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, false)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	f.metrics.Observe(domain.NewEvent(domain.EventConnectionCreated, "alice"))
	w = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "peerlink_connections_created_total 1")
}

func TestRouter_UnhealthyReturns503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	health := monitoring.NewHealthChecker()
	health.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") }, time.Second)

	router := NewRouter(RouterDeps{
		Config:      config.DefaultConfig(),
		Connections: nil,
		Health:      health,
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestRouter_Auth(t *testing.T) {
	f := newAPIFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/v1/connections/alice", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/auth/token", TokenRequest{ParticipantID: "alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var issued TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Equal(t, 60, issued.ExpiresIn)
	bearer := "Bearer " + issued.AccessToken

	w = f.do(t, http.MethodPost, "/api/v1/connections/alice", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/connections/bob", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/connections", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/auth/refresh", nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, w.Code)
	var refreshed TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refreshed))
	assert.Equal(t, domain.ParticipantID("alice"), refreshed.ParticipantID)

	w = f.do(t, http.MethodPost, "/api/v1/auth/token", TokenRequest{ParticipantID: "no spaces"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
