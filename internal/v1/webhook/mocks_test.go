package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/livekit/protocol/livekit"

	"github.com/ovmeet/backend/internal/v1/types"
)

type fakeConfig struct {
	mu  sync.Mutex
	cfg types.GlobalConfig
	err error
}

func (f *fakeConfig) Get(ctx context.Context) (*types.GlobalConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cfg := f.cfg
	return &cfg, nil
}

func (f *fakeConfig) set(cfg types.GlobalConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

type capturedRequest struct {
	body        []byte
	auth        string
	contentType string
}

// captureServer records every request and answers with the next status from
// the sequence, 200 once the sequence runs out.
type captureServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []capturedRequest
	statuses []int
}

func newCaptureServer(t *testing.T, statuses ...int) *captureServer {
	t.Helper()
	cs := &captureServer{statuses: statuses}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		cs.mu.Lock()
		n := len(cs.requests)
		cs.requests = append(cs.requests, capturedRequest{
			body:        body,
			auth:        r.Header.Get("Authorization"),
			contentType: r.Header.Get("Content-Type"),
		})
		status := http.StatusOK
		if n < len(cs.statuses) {
			status = cs.statuses[n]
		}
		cs.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(cs.server.Close)
	return cs
}

func (c *captureServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *captureServer) all() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

type roomCall struct {
	kind     string
	roomID   string
	identity string
}

type fakeRoomEvents struct {
	mu    sync.Mutex
	calls []roomCall
	err   error
}

func (f *fakeRoomEvents) HandleRoomStarted(ctx context.Context, roomID string) error {
	return f.record(roomCall{kind: "started", roomID: roomID})
}

func (f *fakeRoomEvents) HandleRoomFinished(ctx context.Context, roomID string) error {
	return f.record(roomCall{kind: "finished", roomID: roomID})
}

func (f *fakeRoomEvents) HandleParticipantLeft(ctx context.Context, roomID, identity string) error {
	return f.record(roomCall{kind: "left", roomID: roomID, identity: identity})
}

func (f *fakeRoomEvents) record(c roomCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeRoomEvents) recorded() []roomCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]roomCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeRecordingEvents struct {
	mu    sync.Mutex
	infos []*livekit.EgressInfo
	err   error
}

func (f *fakeRecordingEvents) HandleEgressUpdate(ctx context.Context, info *livekit.EgressInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, info)
	return f.err
}

func (f *fakeRecordingEvents) recorded() []*livekit.EgressInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*livekit.EgressInfo, len(f.infos))
	copy(out, f.infos)
	return out
}
