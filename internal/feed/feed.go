// Package feed subscribes to world-state snapshots pushed by the backend over
// a websocket and hands each one over as a full replacement.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"agent_town/internal/domain"
)

const frameWorldState = "world_state"

type Applier interface {
	ApplyPushedState(ws domain.WorldState) error
}

type Config struct {
	// BaseURL is the backend's http(s) base; the scheme is switched to ws(s).
	BaseURL        string
	Room           string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *log.Logger
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Room) == "" {
		c.Room = "default"
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Subscriber struct {
	cfg    Config
	url    string
	target Applier
}

func New(cfg Config, target Applier) (*Subscriber, error) {
	cfg = cfg.withDefaults()
	if target == nil {
		return nil, errors.New("feed target is nil")
	}
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse feed base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported feed url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("feed base url %q has no host", cfg.BaseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/rooms/" + url.PathEscape(cfg.Room)
	u.RawQuery = ""
	return &Subscriber{cfg: cfg, url: u.String(), target: target}, nil
}

func (s *Subscriber) URL() string {
	return s.url
}

// Run keeps a subscription open until ctx is done, reconnecting after each
// dropped connection.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.cfg.Logger.Printf("feed disconnected url=%s err=%v retry_in=%s", s.url, err, s.cfg.ReconnectDelay)

		t := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context) error {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()
	s.cfg.Logger.Printf("feed connected url=%s", s.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feed frame: %w", err)
		}
		s.handle(data)
	}
}

func (s *Subscriber) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.cfg.Logger.Printf("feed frame skipped err=%v", err)
		return
	}
	if f.Type != frameWorldState {
		return
	}
	var ws domain.WorldState
	if err := json.Unmarshal(f.Data, &ws); err != nil {
		s.cfg.Logger.Printf("feed world_state skipped err=%v", err)
		return
	}
	if err := s.target.ApplyPushedState(ws); err != nil {
		s.cfg.Logger.Printf("feed world_state rejected agents=%d err=%v", len(ws.Agents), err)
	}
}
