package chatclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/realtime"
	gateway "github.com/rajivgeraev/flippy-chat/internal/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	url       string
	manager   *gateway.Manager
	issuer    *realtime.TokenIssuer
	publisher *realtime.RedisPublisher
}

func newTestGateway(t *testing.T, ttl time.Duration) *testGateway {
	t.Helper()
	log := discardLogger()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	manager := gateway.NewManager(log)
	issuer := realtime.NewTokenIssuer("gateway-secret", ttl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Run(ctx, rdb)
	}()
	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 1 }, 2*time.Second, 10*time.Millisecond)

	server := httptest.NewServer(gateway.Routes(gateway.NewHandler(manager, issuer, gateway.DefaultAuthGrace)))
	t.Cleanup(func() {
		manager.Shutdown()
		server.Close()
		cancel()
		<-done
	})

	return &testGateway{
		url:       "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime",
		manager:   manager,
		issuer:    issuer,
		publisher: realtime.NewRedisPublisher(rdb),
	}
}

// auth выдает токены по очереди из списка capability, последний повторяется
func (g *testGateway) auth(clientID string, caps ...realtime.Capability) (AuthCallback, *atomic.Int32) {
	calls := &atomic.Int32{}
	return func(context.Context) (*realtime.TokenDetails, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(caps) {
			n = len(caps) - 1
		}
		return g.issuer.Issue(clientID, caps[n])
	}, calls
}

func (g *testGateway) connect(t *testing.T, auth AuthCallback) *Realtime {
	t.Helper()
	rt := NewRealtime(RealtimeConfig{
		URL:        g.url,
		Auth:       auth,
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
		Log:        discardLogger(),
	})
	t.Cleanup(func() { rt.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	return rt
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func TestRealtimeSubscribeAndReceive(t *testing.T) {
	g := newTestGateway(t, time.Hour)
	channel := realtime.ChannelName(uuid.New())
	auth, _ := g.auth("user-1", realtime.Capability{"chat:*": realtime.ClientOperations})
	rt := g.connect(t, auth)
	assert.Equal(t, StateConnected, rt.State())

	sink := &eventSink{}
	sub, err := rt.Subscribe(context.Background(), channel, sink.handle, nil)
	require.NoError(t, err)

	require.NoError(t, g.publisher.Publish(context.Background(), channel, realtime.EventMessage, map[string]string{"text": "hello"}))
	require.Eventually(t, func() bool { return sink.len() == 1 }, 3*time.Second, 10*time.Millisecond)

	ev := sink.last()
	assert.Equal(t, channel, ev.Channel)
	assert.Equal(t, realtime.EventMessage, ev.Name)
	assert.NotEmpty(t, ev.ID)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "hello", payload["text"])

	// после отписки обработчик не вызывается
	sub.Unsubscribe()
	require.NoError(t, g.publisher.Publish(context.Background(), channel, realtime.EventMessage, map[string]string{"text": "late"}))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, sink.len())
}

func TestRealtimeReauthsOnCapabilityDenied(t *testing.T) {
	g := newTestGateway(t, time.Hour)
	conversation := uuid.New()
	channel := realtime.ChannelName(conversation)

	// первый токен выпущен до появления чата
	auth, calls := g.auth("user-1",
		realtime.Capability{},
		realtime.Capability{channel: realtime.ClientOperations},
	)
	rt := g.connect(t, auth)

	sink := &eventSink{}
	_, err := rt.Subscribe(context.Background(), channel, sink.handle, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	require.NoError(t, g.publisher.Publish(context.Background(), channel, realtime.EventMessage, map[string]string{"text": "hi"}))
	require.Eventually(t, func() bool { return sink.len() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestRealtimeSubscribeDeniedTwiceFails(t *testing.T) {
	g := newTestGateway(t, time.Hour)
	auth, _ := g.auth("user-1", realtime.Capability{})
	rt := g.connect(t, auth)

	_, err := rt.Subscribe(context.Background(), realtime.ChannelName(uuid.New()), func(Event) {}, nil)
	assert.ErrorIs(t, err, ErrCapabilityDenied)
}

func TestRealtimeReconnectsAndResyncs(t *testing.T) {
	g := newTestGateway(t, time.Hour)
	channel := realtime.ChannelName(uuid.New())
	auth, _ := g.auth("user-1", realtime.Capability{"chat:*": realtime.ClientOperations})
	rt := g.connect(t, auth)

	var states []State
	var statesMu sync.Mutex
	rt.OnStateChange(func(s State) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	resyncs := &atomic.Int32{}
	sink := &eventSink{}
	_, err := rt.Subscribe(context.Background(), channel, sink.handle, func() { resyncs.Add(1) })
	require.NoError(t, err)

	g.manager.Shutdown()

	require.Eventually(t, func() bool { return resyncs.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, rt.State())

	statesMu.Lock()
	assert.Contains(t, states, StateDisconnected)
	statesMu.Unlock()

	// подписка восстановлена
	require.NoError(t, g.publisher.Publish(context.Background(), channel, realtime.EventMessage, map[string]string{"text": "again"}))
	require.Eventually(t, func() bool { return sink.len() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestRealtimeRefreshesTokenBeforeExpiry(t *testing.T) {
	g := newTestGateway(t, 2*time.Second)
	auth, calls := g.auth("user-1", realtime.Capability{"chat:*": realtime.ClientOperations})

	rt := NewRealtime(RealtimeConfig{
		URL:           g.url,
		Auth:          auth,
		RefreshBefore: time.Second,
		Log:           discardLogger(),
	})
	t.Cleanup(func() { rt.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, rt.Connect(ctx))

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateConnected, rt.State())
	assert.Equal(t, 1, g.manager.ClientCount())
}

func TestRealtimeFailsWhenAuthRejected(t *testing.T) {
	rt := NewRealtime(RealtimeConfig{
		URL: "ws://127.0.0.1:1/realtime",
		Auth: func(context.Context) (*realtime.TokenDetails, error) {
			return nil, &APIError{Status: http.StatusUnauthorized, Code: "UNAUTHENTICATED"}
		},
		Log: discardLogger(),
	})
	t.Cleanup(func() { rt.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.ErrorIs(t, rt.Connect(ctx), ErrFailed)
	assert.Equal(t, StateFailed, rt.State())

	_, err := rt.Subscribe(context.Background(), "chat:x", func(Event) {}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRealtimeGivesUpAfterMaxAttempts(t *testing.T) {
	auth := func(context.Context) (*realtime.TokenDetails, error) {
		return &realtime.TokenDetails{Token: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	rt := NewRealtime(RealtimeConfig{
		URL:         "ws://127.0.0.1:1/realtime",
		Auth:        auth,
		MinBackoff:  10 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
		MaxAttempts: 3,
		Log:         discardLogger(),
	})
	t.Cleanup(func() { rt.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.ErrorIs(t, rt.Connect(ctx), ErrFailed)
}

func TestRealtimeCloseIsTerminal(t *testing.T) {
	g := newTestGateway(t, time.Hour)
	auth, _ := g.auth("user-1", realtime.Capability{"chat:*": realtime.ClientOperations})
	rt := g.connect(t, auth)

	require.NoError(t, rt.Close())
	assert.Equal(t, StateClosed, rt.State())
	require.Eventually(t, func() bool { return g.manager.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, rt.Start(), ErrClosed)
}

// slowHandshakeServer присылает connected с задержкой и затем пингует клиента
func slowHandshakeServer(t *testing.T, delay time.Duration) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		time.Sleep(delay)
		if err := conn.WriteJSON(realtime.Frame{Action: realtime.ActionConnected}); err != nil {
			return
		}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRealtimeCloseDuringHandshake(t *testing.T) {
	url := slowHandshakeServer(t, 300*time.Millisecond)
	rt := NewRealtime(RealtimeConfig{
		URL: url,
		Auth: func(context.Context) (*realtime.TokenDetails, error) {
			return &realtime.TokenDetails{Token: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
		Log: discardLogger(),
	})
	require.NoError(t, rt.Start())
	require.Eventually(t, func() bool { return rt.State() == StateConnecting }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		rt.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked, state=%s", rt.State())
	}
	assert.Equal(t, StateClosed, rt.State())

	// поздний connected от шлюза не оживляет закрытый клиент
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateClosed, rt.State())
}

func TestBackoffIsCapped(t *testing.T) {
	rt := NewRealtime(RealtimeConfig{URL: "ws://x", Auth: nil})
	assert.Equal(t, 500*time.Millisecond, rt.backoff(1))
	assert.Equal(t, time.Second, rt.backoff(2))
	assert.Equal(t, 8*time.Second, rt.backoff(5))
	assert.Equal(t, 15*time.Second, rt.backoff(10))
}
