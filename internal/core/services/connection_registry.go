package services

import (
	"iter"
	"sort"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// ConnectionRecord is the registry entry for one participant.
// Transport and Hook are set at construction and never replaced.
type ConnectionRecord struct {
	ParticipantID domain.ParticipantID
	Transport     ports.Transport
	Hook          ports.CompressionHook
	CreatedAt     time.Time

	// opMu serializes negotiation and track operations on this participant
	opMu sync.Mutex

	mu                 sync.RWMutex
	localStream        *domain.MediaStream
	remoteStream       *domain.MediaStream
	stats              domain.ConnectionStats
	connectionState    webrtc.PeerConnectionState
	iceConnectionState webrtc.ICEConnectionState
	signalingState     webrtc.SignalingState
	iceGatheringState  webrtc.ICEGatheringState
	updatedAt          time.Time
	closed             bool
}

// NewConnectionRecord creates a record in the initial state with zeroed stats
func NewConnectionRecord(id domain.ParticipantID, transport ports.Transport, hook ports.CompressionHook, now time.Time) *ConnectionRecord {
	return &ConnectionRecord{
		ParticipantID:      id,
		Transport:          transport,
		Hook:               hook,
		CreatedAt:          now,
		stats:              domain.NewConnectionStats(now),
		connectionState:    webrtc.PeerConnectionStateNew,
		iceConnectionState: webrtc.ICEConnectionStateNew,
		signalingState:     webrtc.SignalingStateStable,
		iceGatheringState:  webrtc.ICEGatheringStateNew,
		updatedAt:          now,
	}
}

// Stats returns the latest stats snapshot
func (r *ConnectionRecord) Stats() domain.ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// SetStats replaces the stats snapshot
func (r *ConnectionRecord) SetStats(stats domain.ConnectionStats) {
	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
}

// commitStats stores stats and runs publish under the record lock unless the
// record is closed. It reports whether the stats were stored.
func (r *ConnectionRecord) commitStats(stats domain.ConnectionStats, publish func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.stats = stats
	if publish != nil {
		publish()
	}
	return true
}

// markClosed waits for any in-flight stats commit and rejects later ones
func (r *ConnectionRecord) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *ConnectionRecord) ConnectionState() webrtc.PeerConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectionState
}

func (r *ConnectionRecord) ICEConnectionState() webrtc.ICEConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.iceConnectionState
}

func (r *ConnectionRecord) SignalingState() webrtc.SignalingState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.signalingState
}

func (r *ConnectionRecord) ICEGatheringState() webrtc.ICEGatheringState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.iceGatheringState
}

func (r *ConnectionRecord) setConnectionState(s webrtc.PeerConnectionState, now time.Time) {
	r.mu.Lock()
	r.connectionState = s
	r.updatedAt = now
	r.mu.Unlock()
}

func (r *ConnectionRecord) setICEConnectionState(s webrtc.ICEConnectionState, now time.Time) {
	r.mu.Lock()
	r.iceConnectionState = s
	r.updatedAt = now
	r.mu.Unlock()
}

func (r *ConnectionRecord) setSignalingState(s webrtc.SignalingState, now time.Time) {
	r.mu.Lock()
	r.signalingState = s
	r.updatedAt = now
	r.mu.Unlock()
}

func (r *ConnectionRecord) setICEGatheringState(s webrtc.ICEGatheringState, now time.Time) {
	r.mu.Lock()
	r.iceGatheringState = s
	r.updatedAt = now
	r.mu.Unlock()
}

// LocalStream returns a copy of the local stream, or nil
func (r *ConnectionRecord) LocalStream() *domain.MediaStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localStream.Clone()
}

// RemoteStream returns a copy of the remote stream, or nil
func (r *ConnectionRecord) RemoteStream() *domain.MediaStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remoteStream.Clone()
}

func (r *ConnectionRecord) hasLocalStream() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localStream != nil
}

func (r *ConnectionRecord) setLocalStream(s *domain.MediaStream) {
	r.mu.Lock()
	r.localStream = s
	r.mu.Unlock()
}

func (r *ConnectionRecord) replaceLocalTrack(old, replacement domain.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localStream == nil {
		return
	}
	if !r.localStream.ReplaceTrack(old, replacement) {
		r.localStream.Tracks = append(r.localStream.Tracks, replacement)
	}
}

// addRemoteTrack appends to the remote stream, creating it on the first track.
// Reports whether the stream was created by this call.
func (r *ConnectionRecord) addRemoteTrack(track domain.Track) (*domain.MediaStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	created := false
	if r.remoteStream == nil {
		r.remoteStream = domain.NewMediaStream(track.StreamID())
		created = true
	}
	r.remoteStream.Tracks = append(r.remoteStream.Tracks, track)
	return r.remoteStream.Clone(), created
}

// takeLocalStream detaches the local stream for release on close
func (r *ConnectionRecord) takeLocalStream() *domain.MediaStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.localStream
	r.localStream = nil
	return s
}

// Info returns a read-only snapshot of the record
func (r *ConnectionRecord) Info() domain.ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := domain.ConnectionInfo{
		ParticipantID:      r.ParticipantID,
		ConnectionState:    r.connectionState,
		ICEConnectionState: r.iceConnectionState,
		SignalingState:     r.signalingState,
		ICEGatheringState:  r.iceGatheringState,
		HasLocalStream:     r.localStream != nil,
		HasRemoteStream:    r.remoteStream != nil,
		Stats:              r.stats,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.updatedAt,
	}
	if r.Hook != nil {
		info.Compression = r.Hook.Config()
	}
	return info
}

// ConnectionRegistry owns the live connection records. Pure bookkeeping, no I/O.
type ConnectionRegistry struct {
	records map[domain.ParticipantID]*ConnectionRecord
	mu      sync.RWMutex
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		records: make(map[domain.ParticipantID]*ConnectionRecord),
	}
}

// Put registers a record; an id already present is a DuplicateConnection error
func (r *ConnectionRegistry) Put(id domain.ParticipantID, record *ConnectionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; exists {
		return domain.NewConnectionError(domain.KindDuplicateConnection, id, "connection already exists", nil)
	}
	r.records[id] = record
	return nil
}

func (r *ConnectionRegistry) Get(id domain.ParticipantID) (*ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[id]
	return record, ok
}

// Remove deletes and returns the record; nil when absent
func (r *ConnectionRegistry) Remove(id domain.ParticipantID) *ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil
	}
	delete(r.records, id)
	return record
}

// All yields the records present when iteration starts. Each range takes a fresh
// snapshot; a record removed after the snapshot is skipped.
func (r *ConnectionRegistry) All() iter.Seq2[domain.ParticipantID, *ConnectionRecord] {
	return func(yield func(domain.ParticipantID, *ConnectionRecord) bool) {
		type entry struct {
			id     domain.ParticipantID
			record *ConnectionRecord
		}

		r.mu.RLock()
		snapshot := make([]entry, 0, len(r.records))
		for id, record := range r.records {
			snapshot = append(snapshot, entry{id: id, record: record})
		}
		r.mu.RUnlock()

		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].id < snapshot[j].id })

		for _, e := range snapshot {
			if current, ok := r.Get(e.id); !ok || current != e.record {
				continue
			}
			if !yield(e.id, e.record) {
				return
			}
		}
	}
}

// IDs returns the registered ids in sorted order
func (r *ConnectionRegistry) IDs() []domain.ParticipantID {
	r.mu.RLock()
	ids := make([]domain.ParticipantID, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
