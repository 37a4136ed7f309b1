package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	mlerrors "meshlink/pkg/errors"
)

type testServer struct {
	t      *testing.T
	secret string
	server *httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    []string
	received []wireMessage
	conns    []*websocket.Conn
}

func newTestServer(t *testing.T, secret string) *testServer {
	s := &testServer{t: t, secret: secret}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *testServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		peerID, err := ParseToken(s.secret, token)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.peers = append(s.peers, peerID)
		s.mu.Unlock()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	go func() {
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			s.mu.Unlock()
		}
	}()
}

func (s *testServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *testServer) lastConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *testServer) receivedEvents() []wireMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wireMessage, len(s.received))
	copy(out, s.received)
	return out
}

func testClientConfig(url, secret string) Config {
	return Config{
		URL:           url,
		PeerID:        "peer-1",
		AuthSecret:    secret,
		TokenTTL:      time.Minute,
		PingInterval:  50 * time.Millisecond,
		PongTimeout:   time.Second,
		DialTimeout:   time.Second,
		WriteTimeout:  time.Second,
		SendPerSecond: 1000,
		SendBurst:     100,
	}
}

func TestConnectAuthenticates(t *testing.T) {
	srv := newTestServer(t, "secret-1")
	c := NewClient(testClientConfig(srv.url(), "secret-1"), zap.NewNop().Sugar())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, ports.ChannelConnected, c.State())
	assert.True(t, c.Authenticated())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.peers, 1)
	assert.Equal(t, "peer-1", srv.peers[0])
}

func TestConnectRejectsBadToken(t *testing.T) {
	srv := newTestServer(t, "secret-1")
	c := NewClient(testClientConfig(srv.url(), "wrong-secret"), zap.NewNop().Sugar())
	defer c.Close()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, mlerrors.HasCode(err, mlerrors.ErrCodeAuthRequired))
	assert.Equal(t, ports.ChannelDisconnected, c.State())
	assert.False(t, c.Authenticated())
	assert.Zero(t, srv.connCount(), "rejected handshake must not be retried into a connection")
}

func TestSendDeliversEnvelope(t *testing.T) {
	srv := newTestServer(t, "")
	c := NewClient(testClientConfig(srv.url(), ""), zap.NewNop().Sugar())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	env := domain.SignalEnvelope{PeerID: "peer-2", Payload: json.RawMessage(`{"kind":"offer"}`)}
	require.NoError(t, c.Send(domain.EventSignal, env))

	require.Eventually(t, func() bool { return len(srv.receivedEvents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := srv.receivedEvents()[0]
	assert.Equal(t, domain.EventSignal, msg.Event)

	var got domain.SignalEnvelope
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, domain.PeerID("peer-2"), got.PeerID)
}

func TestSendBeforeConnect(t *testing.T) {
	c := NewClient(testClientConfig("ws://127.0.0.1:1", ""), zap.NewNop().Sugar())
	defer c.Close()

	err := c.Send(domain.EventSignal, struct{}{})
	assert.ErrorIs(t, err, domain.ErrChannelNotReady)
}

func TestHandlerReplacement(t *testing.T) {
	srv := newTestServer(t, "")
	c := NewClient(testClientConfig(srv.url(), ""), zap.NewNop().Sugar())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	var mu sync.Mutex
	var firstCalls, secondCalls int
	c.On(domain.EventCredentials, func(json.RawMessage) {
		mu.Lock()
		firstCalls++
		mu.Unlock()
	})
	c.On(domain.EventCredentials, func(json.RawMessage) {
		mu.Lock()
		secondCalls++
		mu.Unlock()
	})

	require.NoError(t, srv.lastConn().WriteJSON(wireMessage{
		Event:   domain.EventCredentials,
		Payload: json.RawMessage(`{"ttl":600}`),
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondCalls == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Zero(t, firstCalls, "replaced handler must not fire")
	mu.Unlock()
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newTestServer(t, "")
	c := NewClient(testClientConfig(srv.url(), ""), zap.NewNop().Sugar())
	defer c.Close()

	var mu sync.Mutex
	reconnects := 0
	c.On(domain.EventReconnect, func(json.RawMessage) {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, srv.connCount())

	// Kill the server side of the connection without a close frame.
	srv.lastConn().UnderlyingConn().Close()

	require.Eventually(t, func() bool { return srv.connCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ports.ChannelConnected, c.State())
	assert.True(t, c.Authenticated())
}

func TestCloseStopsReconnect(t *testing.T) {
	srv := newTestServer(t, "")
	c := NewClient(testClientConfig(srv.url(), ""), zap.NewNop().Sugar())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.Equal(t, ports.ChannelDisconnected, c.State())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount(), "closed client must not redial")
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := NewToken("secret", "peer-9", time.Minute)
	require.NoError(t, err)

	peerID, err := ParseToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "peer-9", peerID)

	_, err = ParseToken("other", token)
	assert.Error(t, err)

	_, err = NewToken("", "peer-9", time.Minute)
	assert.Error(t, err)
}
