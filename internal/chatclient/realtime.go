package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rajivgeraev/flippy-chat/internal/realtime"
)

// State состояние realtime соединения
type State string

const (
	StateInitialized  State = "initialized"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

func (s State) terminal() bool { return s == StateFailed || s == StateClosed }

const (
	defaultMinBackoff    = 500 * time.Millisecond
	defaultMaxBackoff    = 15 * time.Second
	defaultRefreshBefore = 30 * time.Second
	defaultAckTimeout    = 5 * time.Second

	writeWait = 10 * time.Second
	pongWait  = 70 * time.Second
)

var (
	ErrClosed           = errors.New("chatclient: realtime connection closed")
	ErrFailed           = errors.New("chatclient: realtime connection failed")
	ErrAuthRejected     = errors.New("chatclient: realtime auth rejected")
	ErrCapabilityDenied = errors.New("chatclient: subscribe not permitted")
)

// AuthCallback возвращает свежий токен для шлюза
type AuthCallback func(ctx context.Context) (*realtime.TokenDetails, error)

// Event событие канала, полученное от шлюза
type Event struct {
	Channel   string
	Name      string
	ID        string
	Data      json.RawMessage
	Timestamp time.Time
}

// RealtimeConfig параметры клиентского соединения
type RealtimeConfig struct {
	URL  string // ws://host/realtime
	Auth AuthCallback

	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	MaxAttempts   int // 0 - без ограничения
	RefreshBefore time.Duration
	AckTimeout    time.Duration

	Log *slog.Logger
}

// Subscription подписка на канал; после Unsubscribe обработчик не вызывается
type Subscription struct {
	channel string
	handler func(Event)
	resync  func()
	cancel  func()
	closed  atomic.Bool
	once    sync.Once
}

func (s *Subscription) Channel() string { return s.channel }

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Subscription) deliver(ev Event) {
	if !s.closed.Load() {
		s.handler(ev)
	}
}

func (s *Subscription) resynced() {
	if !s.closed.Load() && s.resync != nil {
		s.resync()
	}
}

type channelState struct {
	subs      map[*Subscription]struct{}
	confirmed bool
	retried   bool // capability_denied уже обработан повторной авторизацией
	resync    bool
	acks      []chan error
}

func (cs *channelState) resolve(err error) {
	for _, ack := range cs.acks {
		ack <- err
	}
	cs.acks = nil
}

// Realtime одно долгоживущее соединение с шлюзом и мультиплексированные подписки на каналы
type Realtime struct {
	cfg    RealtimeConfig
	dialer *websocket.Dialer
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	token     *realtime.TokenDetails
	channels  map[string]*channelState
	listeners map[int]func(State)
	nextID    int
	refresh   *time.Timer
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

func NewRealtime(cfg RealtimeConfig) *Realtime {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.RefreshBefore <= 0 {
		cfg.RefreshBefore = defaultRefreshBefore
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Realtime{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:       log.With("component", "realtime-client"),
		state:     StateInitialized,
		channels:  make(map[string]*channelState),
		listeners: make(map[int]func(State)),
		done:      make(chan struct{}),
	}
}

func (r *Realtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnStateChange регистрирует слушателя состояний, возвращает функцию отписки
func (r *Realtime) OnStateChange(fn func(State)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Realtime) setState(s State) {
	r.mu.Lock()
	if r.state == s || r.state.terminal() {
		r.mu.Unlock()
		return
	}
	r.state = s
	listeners := make([]func(State), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	r.log.Debug("state changed", "state", s)
	for _, fn := range listeners {
		fn(s)
	}
}

// Start запускает цикл подключения в фоне
func (r *Realtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
	return nil
}

// Connect запускает соединение и ждет первого подключения
func (r *Realtime) Connect(ctx context.Context) error {
	states := make(chan State, 8)
	remove := r.OnStateChange(func(s State) {
		select {
		case states <- s:
		default:
		}
	})
	defer remove()

	if err := r.Start(); err != nil {
		return err
	}
	for {
		switch r.State() {
		case StateConnected:
			return nil
		case StateFailed:
			return ErrFailed
		case StateClosed:
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-states:
		}
	}
}

// Close закрывает соединение, после этого подписки не работают
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	started := r.started
	if r.cancel != nil {
		r.cancel()
	}
	if r.conn != nil {
		r.conn.Close()
	}
	if r.refresh != nil {
		r.refresh.Stop()
	}
	for _, cs := range r.channels {
		cs.resolve(ErrClosed)
	}
	r.mu.Unlock()

	if started {
		<-r.done
	}
	r.forceState(StateClosed)
	return nil
}

// forceState переводит в терминальное состояние даже из failed
func (r *Realtime) forceState(s State) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	listeners := make([]func(State), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (r *Realtime) backoff(attempt int) time.Duration {
	d := r.cfg.MinBackoff
	for i := 1; i < attempt && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}

func (r *Realtime) run(ctx context.Context) {
	defer close(r.done)

	attempt := 0
	for ctx.Err() == nil {
		r.setState(StateConnecting)
		conn, token, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				r.log.Error("realtime auth rejected", "error", err)
				r.setState(StateFailed)
				return
			}
			attempt++
			r.log.Warn("realtime connect failed", "attempt", attempt, "error", err)
			if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
				r.setState(StateFailed)
				return
			}
			r.setState(StateDisconnected)
			if !sleep(ctx, r.backoff(attempt)) {
				return
			}
			continue
		}

		attempt = 0
		r.serve(ctx, conn, token)
		if ctx.Err() != nil {
			return
		}
		r.setState(StateDisconnected)
		if !sleep(ctx, r.backoff(1)) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Realtime) fetchToken(ctx context.Context) (*realtime.TokenDetails, error) {
	token, err := r.cfg.Auth(ctx)
	if err != nil {
		if IsUnauthorized(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return nil, err
	}
	if token == nil || token.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrAuthRejected)
	}
	return token, nil
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, *realtime.TokenDetails, error) {
	token, err := r.fetchToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad url: %v", ErrAuthRejected, err)
	}
	q := u.Query()
	q.Set("access_token", token.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, nil, fmt.Errorf("%w: gateway returned 401", ErrAuthRejected)
		}
		return nil, nil, err
	}

	// первым кадром шлюз присылает connected; Close во время ожидания рвет соединение
	handshake := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshake:
		}
	}()
	conn.SetReadDeadline(time.Now().Add(writeWait))
	var frame realtime.Frame
	err = conn.ReadJSON(&frame)
	close(handshake)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if frame.Action != realtime.ActionConnected {
		conn.Close()
		return nil, nil, fmt.Errorf("unexpected first frame %q", frame.Action)
	}
	if frame.ExpiresAt != nil {
		token.ExpiresAt = *frame.ExpiresAt
	}
	return conn, token, nil
}

// serve обслуживает одно подключение до разрыва
func (r *Realtime) serve(ctx context.Context, conn *websocket.Conn, token *realtime.TokenDetails) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	r.mu.Lock()
	if r.state.terminal() || ctx.Err() != nil {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.conn = conn
	r.token = token
	channels := make([]string, 0, len(r.channels))
	for name, cs := range r.channels {
		cs.confirmed = false
		cs.retried = false
		cs.resync = true
		channels = append(channels, name)
	}
	r.scheduleRefreshLocked(ctx, conn)
	r.mu.Unlock()

	r.setState(StateConnected)
	for _, name := range channels {
		r.write(conn, realtime.Frame{Action: realtime.ActionSubscribe, Channel: name})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				r.log.Info("realtime connection lost", "error", err)
			}
			break
		}
		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.log.Warn("malformed frame", "error", err)
			continue
		}
		r.handleFrame(ctx, conn, frame)
	}

	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	if r.refresh != nil {
		r.refresh.Stop()
		r.refresh = nil
	}
	for _, cs := range r.channels {
		cs.confirmed = false
	}
	r.mu.Unlock()
	conn.Close()
}

func (r *Realtime) handleFrame(ctx context.Context, conn *websocket.Conn, frame realtime.Frame) {
	switch frame.Action {
	case realtime.ActionMessage:
		ev := Event{Channel: frame.Channel, Name: frame.Name, ID: frame.ID, Data: frame.Data}
		if frame.Timestamp != nil {
			ev.Timestamp = *frame.Timestamp
		}
		for _, sub := range r.subscribers(frame.Channel) {
			sub.deliver(ev)
		}

	case realtime.ActionSubscribed:
		r.mu.Lock()
		cs, ok := r.channels[frame.Channel]
		var resync []*Subscription
		if ok {
			cs.confirmed = true
			cs.resolve(nil)
			if cs.resync {
				cs.resync = false
				for sub := range cs.subs {
					resync = append(resync, sub)
				}
			}
		}
		r.mu.Unlock()
		if len(resync) > 0 {
			go func() {
				for _, sub := range resync {
					sub.resynced()
				}
			}()
		}

	case realtime.ActionConnected:
		// ответ на auth: токен продлен
		r.mu.Lock()
		if frame.ExpiresAt != nil && r.token != nil {
			r.token.ExpiresAt = *frame.ExpiresAt
		}
		r.scheduleRefreshLocked(ctx, conn)
		r.mu.Unlock()

	case realtime.ActionError:
		r.handleError(ctx, conn, frame)
	}
}

func (r *Realtime) handleError(ctx context.Context, conn *websocket.Conn, frame realtime.Frame) {
	switch frame.Code {
	case realtime.CodeTokenExpired:
		go func() {
			if r.reauth(ctx, conn) && frame.Channel != "" {
				r.write(conn, realtime.Frame{Action: realtime.ActionSubscribe, Channel: frame.Channel})
			}
		}()

	case realtime.CodeCapabilityDenied:
		r.mu.Lock()
		cs, ok := r.channels[frame.Channel]
		retry := ok && !cs.retried
		if retry {
			cs.retried = true
		} else if ok {
			cs.resolve(ErrCapabilityDenied)
		}
		r.mu.Unlock()

		if !retry {
			r.log.Warn("subscribe denied", "channel", frame.Channel)
			return
		}
		// токен мог быть выпущен до появления чата: берем новый и пробуем еще раз
		go func() {
			if r.reauth(ctx, conn) {
				r.write(conn, realtime.Frame{Action: realtime.ActionSubscribe, Channel: frame.Channel})
			}
		}()

	default:
		r.log.Warn("gateway error", "code", frame.Code, "channel", frame.Channel, "message", frame.Message)
		if frame.Channel != "" {
			r.mu.Lock()
			if cs, ok := r.channels[frame.Channel]; ok {
				cs.resolve(fmt.Errorf("chatclient: %s: %s", frame.Code, frame.Message))
			}
			r.mu.Unlock()
		}
	}
}

// reauth получает новый токен и отправляет его по текущему соединению
func (r *Realtime) reauth(ctx context.Context, conn *websocket.Conn) bool {
	token, err := r.fetchToken(ctx)
	if err != nil {
		r.log.Warn("token refresh failed", "error", err)
		if errors.Is(err, ErrAuthRejected) {
			r.setState(StateFailed)
			r.cancelRun()
			conn.Close()
		}
		return false
	}

	r.mu.Lock()
	r.token = token
	r.mu.Unlock()

	return r.write(conn, realtime.Frame{Action: realtime.ActionAuth, Token: token.Token}) == nil
}

func (r *Realtime) cancelRun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// scheduleRefreshLocked продлевает токен заранее, до истечения
func (r *Realtime) scheduleRefreshLocked(ctx context.Context, conn *websocket.Conn) {
	if r.refresh != nil {
		r.refresh.Stop()
		r.refresh = nil
	}
	if r.token == nil || r.token.ExpiresAt.IsZero() {
		return
	}
	wait := time.Until(r.token.ExpiresAt) - r.cfg.RefreshBefore
	if wait < 0 {
		wait = 0
	}
	r.refresh = time.AfterFunc(wait, func() {
		r.reauth(ctx, conn)
	})
}

func (r *Realtime) write(conn *websocket.Conn, frame realtime.Frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		r.log.Debug("write failed", "action", frame.Action, "error", err)
		return err
	}
	return nil
}

func (r *Realtime) subscribers(channel string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.channels[channel]
	if !ok {
		return nil
	}
	subs := make([]*Subscription, 0, len(cs.subs))
	for sub := range cs.subs {
		subs = append(subs, sub)
	}
	return subs
}

// Subscribe подписывает обработчик на канал. Если соединение установлено, ждет подтверждения шлюза.
// resync вызывается после переподключения, когда пропущенные события нужно догрузить.
func (r *Realtime) Subscribe(ctx context.Context, channel string, handler func(Event), resync func()) (*Subscription, error) {
	sub := &Subscription{channel: channel, handler: handler, resync: resync}
	sub.cancel = func() { r.remove(sub) }

	r.mu.Lock()
	if r.state.terminal() {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	cs, ok := r.channels[channel]
	if !ok {
		cs = &channelState{subs: make(map[*Subscription]struct{})}
		r.channels[channel] = cs
	}
	cs.subs[sub] = struct{}{}

	// serve снимает список каналов под тем же мьютексом, что и назначает conn
	conn := r.conn
	if conn == nil {
		// подпишемся при подключении и попросим догрузить историю
		cs.resync = true
		r.mu.Unlock()
		return sub, nil
	}
	if ok && cs.confirmed {
		r.mu.Unlock()
		return sub, nil
	}
	ack := make(chan error, 1)
	cs.acks = append(cs.acks, ack)
	r.mu.Unlock()

	if !ok {
		if err := r.write(conn, realtime.Frame{Action: realtime.ActionSubscribe, Channel: channel}); err != nil {
			// соединение рвется: подписка восстановится после переподключения
			return sub, nil
		}
	}

	timer := time.NewTimer(r.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		if err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		return sub, nil
	case <-timer.C:
		return sub, nil
	case <-ctx.Done():
		sub.Unsubscribe()
		return nil, ctx.Err()
	}
}

func (r *Realtime) remove(sub *Subscription) {
	r.mu.Lock()
	cs, ok := r.channels[sub.channel]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(cs.subs, sub)
	if len(cs.subs) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.channels, sub.channel)
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		r.write(conn, realtime.Frame{Action: realtime.ActionUnsubscribe, Channel: sub.channel})
	}
}
