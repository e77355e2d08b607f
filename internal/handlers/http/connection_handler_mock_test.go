package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"peerlink/internal/core/domain"
	"peerlink/pkg/config"
	apperrors "peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockConnectionService for error mapping tests
type MockConnectionService struct {
	mock.Mock
}

func (m *MockConnectionService) CreateConnection(ctx context.Context, id domain.ParticipantID, cfg domain.CompressionConfig) error {
	return m.Called(ctx, id, cfg).Error(0)
}

func (m *MockConnectionService) AddLocalStream(ctx context.Context, id domain.ParticipantID, stream *domain.MediaStream, cfg domain.StreamConfig) error {
	return m.Called(ctx, id, stream, cfg).Error(0)
}

func (m *MockConnectionService) CreateOffer(ctx context.Context, id domain.ParticipantID) (domain.SignalingEnvelope, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.SignalingEnvelope), args.Error(1)
}

func (m *MockConnectionService) CreateAnswer(ctx context.Context, id domain.ParticipantID, offer domain.SignalingEnvelope) (domain.SignalingEnvelope, error) {
	args := m.Called(ctx, id, offer)
	return args.Get(0).(domain.SignalingEnvelope), args.Error(1)
}

func (m *MockConnectionService) HandleAnswer(ctx context.Context, id domain.ParticipantID, answer domain.SignalingEnvelope) error {
	return m.Called(ctx, id, answer).Error(0)
}

func (m *MockConnectionService) AddIceCandidate(ctx context.Context, id domain.ParticipantID, candidate domain.SignalingEnvelope) error {
	return m.Called(ctx, id, candidate).Error(0)
}

func (m *MockConnectionService) ReplaceVideoTrack(ctx context.Context, id domain.ParticipantID, track domain.Track) error {
	return m.Called(ctx, id, track).Error(0)
}

func (m *MockConnectionService) CloseConnection(id domain.ParticipantID) error {
	return m.Called(id).Error(0)
}

func (m *MockConnectionService) GetConnectionStats(id domain.ParticipantID) (domain.ConnectionStats, error) {
	args := m.Called(id)
	return args.Get(0).(domain.ConnectionStats), args.Error(1)
}

func (m *MockConnectionService) GetAllConnectionStats() map[domain.ParticipantID]domain.ConnectionStats {
	return m.Called().Get(0).(map[domain.ParticipantID]domain.ConnectionStats)
}

func (m *MockConnectionService) GetConnectionInfo(id domain.ParticipantID) (domain.ConnectionInfo, error) {
	args := m.Called(id)
	return args.Get(0).(domain.ConnectionInfo), args.Error(1)
}

func (m *MockConnectionService) ParticipantIDs() []domain.ParticipantID {
	return m.Called().Get(0).([]domain.ParticipantID)
}

func (m *MockConnectionService) RTCConfiguration() domain.RTCConfiguration {
	return m.Called().Get(0).(domain.RTCConfiguration)
}

func (m *MockConnectionService) UpdateRTCConfiguration(cfg domain.RTCConfiguration) error {
	return m.Called(cfg).Error(0)
}

func (m *MockConnectionService) Destroy() {
	m.Called()
}

func newMockRouter(svc *MockConnectionService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterDeps{
		Config:      config.DefaultConfig(),
		Connections: svc,
	})
}

func TestConnectionHandler_ErrorKinds(t *testing.T) {
	tests := []struct {
		kind   domain.ErrorKind
		status int
		code   apperrors.ErrorCode
	}{
		{domain.KindCompressionFailed, http.StatusUnprocessableEntity, apperrors.ErrCodeUnprocessable},
		{domain.KindMediaAccessDenied, http.StatusForbidden, apperrors.ErrCodeForbidden},
		{domain.KindIceGatheringFailed, http.StatusBadGateway, apperrors.ErrCodeBadGateway},
		{domain.KindSignalingError, http.StatusBadGateway, apperrors.ErrCodeBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			svc := new(MockConnectionService)
			svc.On("CreateOffer", mock.Anything, domain.ParticipantID("alice")).
				Return(domain.SignalingEnvelope{}, domain.NewConnectionError(tt.kind, "alice", "failed", nil))

			w := httptest.NewRecorder()
			newMockRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/connections/alice/offer", nil))

			assert.Equal(t, tt.status, w.Code)
			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, "alice", resp.Error.Details["participant_id"])
			svc.AssertExpectations(t)
		})
	}
}

func TestConnectionHandler_ListSkipsClosedConnections(t *testing.T) {
	svc := new(MockConnectionService)
	svc.On("ParticipantIDs").Return([]domain.ParticipantID{"alice", "bob"})
	svc.On("GetConnectionInfo", domain.ParticipantID("alice")).
		Return(domain.ConnectionInfo{ParticipantID: "alice"}, nil)
	svc.On("GetConnectionInfo", domain.ParticipantID("bob")).
		Return(domain.ConnectionInfo{}, domain.NewConnectionError(domain.KindConnectionNotFound, "bob", "gone", nil))

	w := httptest.NewRecorder()
	newMockRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	svc.AssertExpectations(t)
}

func TestConnectionHandler_InvalidInputNeverReachesService(t *testing.T) {
	svc := new(MockConnectionService)
	router := newMockRouter(svc)

	requests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"bad compression", http.MethodPost, "/api/v1/connections/alice", `{"compression":{"quantum_bit_depth":0}}`},
		{"malformed json", http.MethodPost, "/api/v1/connections/alice", `{`},
		{"answer without sdp", http.MethodPost, "/api/v1/connections/alice/answer", `{}`},
		{"candidate wrong prefix", http.MethodPost, "/api/v1/connections/alice/candidates", `{"candidate":"foo","sdp_mid":"0"}`},
		{"bad bundle policy", http.MethodPut, "/api/v1/rtc-configuration", `{"bundle_policy":"sometimes"}`},
	}

	for _, tt := range requests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	svc.AssertNotCalled(t, "CreateConnection", mock.Anything, mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "CreateAnswer", mock.Anything, mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "AddIceCandidate", mock.Anything, mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "UpdateRTCConfiguration", mock.Anything)
}
