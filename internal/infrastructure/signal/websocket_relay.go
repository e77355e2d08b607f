package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"
	"peerlink/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Message types exchanged with signaling clients
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeRequestOffer = "request_offer"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeState        = "state"
	TypeError        = "error"
)

// SignalMessage is the JSON frame on the signaling socket
type SignalMessage struct {
	Type      string            `json:"type"`
	SDP       string            `json:"sdp,omitempty"`
	Candidate *CandidatePayload `json:"candidate,omitempty"`
	State     string            `json:"state,omitempty"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// CandidatePayload uses the browser's RTCIceCandidateInit field names
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (p CandidatePayload) envelope() domain.SignalingEnvelope {
	return domain.SignalingEnvelope{
		Kind:             domain.EnvelopeCandidate,
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
}

func candidatePayload(env domain.SignalingEnvelope) *CandidatePayload {
	return &CandidatePayload{
		Candidate:        env.Candidate,
		SDPMid:           env.SDPMid,
		SDPMLineIndex:    env.SDPMLineIndex,
		UsernameFragment: env.UsernameFragment,
	}
}

// RelayConfig tunes socket keepalive, limits and the connections the relay opens
type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string

	// MessagesPerSecond <= 0 disables per-socket rate limiting
	MessagesPerSecond float64
	Burst             int

	Compression domain.CompressionConfig
}

// DefaultRelayConfig mirrors the config package defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
		Compression:    domain.DefaultCompressionConfig(),
	}
}

// WebSocketRelay carries signaling envelopes between a browser socket and the
// participant's peer connection. One socket owns one connection.
type WebSocketRelay struct {
	connections ports.PeerConnectionService
	events      ports.ParticipantEventSource
	auth        ports.TokenAuthorizer

	cfg      RelayConfig
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[domain.ParticipantID]*websocket.Conn

	logger    *zap.SugaredLogger
	ctxLogger *logger.ContextLogger
}

// NewWebSocketRelay creates a relay. A nil auth accepts any participant.
func NewWebSocketRelay(
	connections ports.PeerConnectionService,
	events ports.ParticipantEventSource,
	auth ports.TokenAuthorizer,
	cfg RelayConfig,
	log *zap.SugaredLogger,
) *WebSocketRelay {
	if log == nil {
		log = logger.NopSugared()
	}
	r := &WebSocketRelay{
		connections: connections,
		events:      events,
		auth:        auth,
		cfg:         cfg,
		sessions:    make(map[domain.ParticipantID]*websocket.Conn),
		logger:      log,
		ctxLogger:   logger.NewContextLogger(log),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *WebSocketRelay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(r.cfg.AllowedOrigins) == 0 || slices.Contains(r.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(r.cfg.AllowedOrigins, origin)
}

// HandleWebSocket serves GET /ws?participant_id=<id>&token=<jwt>
func (r *WebSocketRelay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	query := req.URL.Query()

	participantID := domain.ParticipantID(query.Get("participant_id"))
	if err := validation.ValidateParticipantID(string(participantID)); err != nil {
		writeHTTPError(w, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if r.auth != nil {
		if err := r.auth.Authorize(query.Get("token"), participantID); err != nil {
			r.logger.Warnw("signaling token rejected", "participant_id", participantID, "error", err)
			writeHTTPError(w, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid signaling token", http.StatusUnauthorized))
			return
		}
	}

	// Subscribe before the connection exists so no candidate is missed.
	events, unsubscribe := r.events.SubscribeParticipant(participantID, domain.EventICECandidate, domain.EventConnectionStateChanged)
	defer unsubscribe()

	if err := r.connections.CreateConnection(ctx, participantID, r.cfg.Compression); err != nil {
		r.logger.Warnw("failed to create connection for socket", "participant_id", participantID, "error", err)
		writeHTTPError(w, apperrors.FromError(err))
		return
	}
	defer func() {
		if err := r.connections.CloseConnection(participantID); err != nil {
			r.logger.Warnw("failed to close connection", "participant_id", participantID, "error", err)
		}
	}()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "participant_id", participantID, "error", err)
		return
	}
	defer conn.Close()

	r.mu.Lock()
	r.sessions[participantID] = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.sessions, participantID)
		r.mu.Unlock()
	}()

	r.logger.Infow("participant connected via WebSocket", "participant_id", participantID)
	ctx = logger.ContextWithParticipant(context.WithoutCancel(ctx), string(participantID))
	r.serve(ctx, participantID, conn, events)
	r.logger.Infow("participant disconnected", "participant_id", participantID)
}

func (r *WebSocketRelay) serve(ctx context.Context, participantID domain.ParticipantID, conn *websocket.Conn, events <-chan domain.Event) {
	if r.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(r.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if r.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), max(r.cfg.Burst, 1))
	}

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
			select {
			case messageChan <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				r.logger.Debugw("signaling message rate limited", "participant_id", participantID)
				if err := r.write(conn, errorMessage(apperrors.NewRateLimitError())); err != nil {
					return
				}
				continue
			}
			reply := r.handleMessage(ctx, participantID, data)
			if reply != nil {
				if err := r.write(conn, reply); err != nil {
					r.logger.Infow("error writing to socket", "participant_id", participantID, "error", err)
					return
				}
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := eventMessage(participantID, ev)
			if msg == nil {
				continue
			}
			if err := r.write(conn, msg); err != nil {
				r.logger.Infow("error forwarding event", "participant_id", participantID, "event", ev.Type, "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.logger.Infow("error sending ping", "participant_id", participantID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("error reading from participant", "participant_id", participantID, "error", err)
			}
			return
		}
	}
}

// handleMessage returns the reply frame, if any. Failures become error frames.
func (r *WebSocketRelay) handleMessage(ctx context.Context, participantID domain.ParticipantID, data []byte) *SignalMessage {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorMessage(apperrors.NewInvalidInputError(fmt.Sprintf("invalid message: %v", err)))
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(participantID))
	defer span.End()

	reply, err := r.dispatch(ctx, participantID, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		r.ctxLogger.WithContext(ctx).Infow("error handling signaling message", "type", msg.Type, "error", err)
		return errorMessage(apperrors.FromError(err))
	}
	return reply
}

func (r *WebSocketRelay) dispatch(ctx context.Context, participantID domain.ParticipantID, msg SignalMessage) (*SignalMessage, error) {
	switch msg.Type {
	case TypeOffer:
		if err := validation.ValidateSDP(msg.SDP); err != nil {
			return nil, apperrors.NewInvalidInputError(err.Error())
		}
		answer, err := r.connections.CreateAnswer(ctx, participantID, domain.OfferEnvelope(msg.SDP))
		if err != nil {
			return nil, err
		}
		return &SignalMessage{Type: TypeAnswer, SDP: answer.SDP}, nil

	case TypeAnswer:
		if err := validation.ValidateSDP(msg.SDP); err != nil {
			return nil, apperrors.NewInvalidInputError(err.Error())
		}
		return nil, r.connections.HandleAnswer(ctx, participantID, domain.AnswerEnvelope(msg.SDP))

	case TypeICECandidate:
		if msg.Candidate == nil {
			return nil, apperrors.NewInvalidInputError("candidate is required")
		}
		env := msg.Candidate.envelope()
		if err := validation.ValidateCandidate(env); err != nil {
			return nil, apperrors.NewInvalidInputError(err.Error())
		}
		return nil, r.connections.AddIceCandidate(ctx, participantID, env)

	case TypeRequestOffer:
		offer, err := r.connections.CreateOffer(ctx, participantID)
		if err != nil {
			return nil, err
		}
		return &SignalMessage{Type: TypeOffer, SDP: offer.SDP}, nil

	case TypePing:
		return &SignalMessage{Type: TypePong}, nil

	case "":
		return nil, apperrors.NewInvalidInputError("message type is required")
	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

// eventMessage converts a hub event addressed to participantID into an outbound frame
func eventMessage(participantID domain.ParticipantID, ev domain.Event) *SignalMessage {
	if ev.ParticipantID != participantID {
		return nil
	}
	switch ev.Type {
	case domain.EventICECandidate:
		if ev.Envelope == nil {
			return nil
		}
		return &SignalMessage{Type: TypeICECandidate, Candidate: candidatePayload(*ev.Envelope)}
	case domain.EventConnectionStateChanged:
		return &SignalMessage{Type: TypeState, State: ev.State}
	}
	return nil
}

func errorMessage(appErr *apperrors.AppError) *SignalMessage {
	return &SignalMessage{Type: TypeError, Code: string(appErr.Code), Message: appErr.Message}
}

func (r *WebSocketRelay) write(conn *websocket.Conn, msg *SignalMessage) error {
	conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

func writeHTTPError(w http.ResponseWriter, appErr *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(appErr.Response())
}

// ConnectedParticipants lists participants with an open socket
func (r *WebSocketRelay) ConnectedParticipants() []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.ParticipantID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SessionCount returns the number of open sockets
func (r *WebSocketRelay) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
