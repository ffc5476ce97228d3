package chatclient

import (
	"log/slog"
	"sync"
)

// Session сессия пользователя: HTTP API и одно общее realtime соединение.
// Соединение создается при первом Acquire и закрывается, когда его отпустили все.
type Session struct {
	api *API
	cfg RealtimeConfig

	mu   sync.Mutex
	rt   *Realtime
	refs int
}

// NewSession realtimeURL вида ws://host:8090/realtime
func NewSession(api *API, realtimeURL string, log *slog.Logger) *Session {
	return &Session{
		api: api,
		cfg: RealtimeConfig{
			URL:  realtimeURL,
			Auth: api.RealtimeToken,
			Log:  log,
		},
	}
}

// NewSessionWithConfig позволяет задать параметры переподключения; Auth по умолчанию берется из API
func NewSessionWithConfig(api *API, cfg RealtimeConfig) *Session {
	if cfg.Auth == nil {
		cfg.Auth = api.RealtimeToken
	}
	return &Session{api: api, cfg: cfg}
}

func (s *Session) API() *API { return s.api }

// Acquire возвращает общее соединение, запуская его при необходимости
func (s *Session) Acquire() (*Realtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rt == nil || s.rt.State().terminal() {
		s.rt = NewRealtime(s.cfg)
		s.refs = 0
	}
	if err := s.rt.Start(); err != nil {
		return nil, err
	}
	s.refs++
	return s.rt, nil
}

// Release отпускает соединение, последний Release его закрывает
func (s *Session) Release() {
	s.mu.Lock()
	if s.rt == nil || s.refs == 0 {
		s.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return
	}
	rt := s.rt
	s.rt = nil
	s.mu.Unlock()

	rt.Close()
}

// Close закрывает соединение независимо от счетчика (выход из аккаунта)
func (s *Session) Close() error {
	s.mu.Lock()
	rt := s.rt
	s.rt = nil
	s.refs = 0
	s.mu.Unlock()

	if rt == nil {
		return nil
	}
	return rt.Close()
}
