package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/mod/semver"

	"github.com/stratboard/stratboard/internal/live/connstate"
	"github.com/stratboard/stratboard/internal/live/feed"
	"github.com/stratboard/stratboard/internal/schema"
)

// ErrIncompatibleProtocol is reported when the server speaks a different
// major protocol version.
var ErrIncompatibleProtocol = errors.New("incompatible push protocol")

// FeedURL returns the websocket URL of the push feed of scope.
func (c *Client) FeedURL(scope string) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/scopes/" + url.PathEscape(scope) + "/feed"
}

// Subscribe opens the push feed of scope. It returns once the websocket is
// dialed; the hello event is reported as connstate.Connected, the end of the
// stream as Disconnected (clean close or unsubscribe) or Error.
func (c *Client) Subscribe(ctx context.Context, scope string, onEvent func(feed.Event[schema.Task]), onStatus func(connstate.State, error)) (func(), error) {
	onStatus(connstate.Connecting, nil)

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, c.config.Timeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, c.FeedURL(scope), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial feed: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := c.readFeed(subCtx, conn, onEvent, onStatus)
		switch {
		case subCtx.Err() != nil, err == nil:
			onStatus(connstate.Disconnected, nil)
		default:
			onStatus(connstate.Error, err)
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			_ = conn.Close(websocket.StatusNormalClosure, "")
			wg.Wait()
		})
	}
	return unsubscribe, nil
}

// readFeed consumes the stream. A nil return means the server closed the
// connection normally.
func (c *Client) readFeed(ctx context.Context, conn *websocket.Conn, onEvent func(feed.Event[schema.Task]), onStatus func(connstate.State, error)) error {
	conn.SetReadLimit(1 << 20)

	var hello schema.Event
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return closeError(err)
	}
	if hello.Type != schema.EventHello {
		return fmt.Errorf("expected hello, got %q", hello.Type)
	}
	if err := checkProtocol(hello.Protocol); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return err
	}
	onStatus(connstate.Connected, nil)

	for {
		var ev schema.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return closeError(err)
		}
		if fe, ok := toFeedEvent(ev); ok {
			onEvent(fe)
		}
	}
}

func checkProtocol(server string) error {
	if !semver.IsValid(server) {
		return fmt.Errorf("%w: server announced %q", ErrIncompatibleProtocol, server)
	}
	if semver.Major(server) != semver.Major(schema.ProtocolVersion) {
		return fmt.Errorf("%w: server %s, client %s", ErrIncompatibleProtocol, server, schema.ProtocolVersion)
	}
	return nil
}

func closeError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return err
}

// toFeedEvent converts a wire event. Pings and unknown types are dropped.
func toFeedEvent(ev schema.Event) (feed.Event[schema.Task], bool) {
	var op feed.Op
	switch ev.Type {
	case schema.EventTaskInsert:
		op = feed.OpInsert
	case schema.EventTaskUpdate:
		op = feed.OpUpdate
	case schema.EventTaskDelete:
		op = feed.OpDelete
	default:
		return feed.Event[schema.Task]{}, false
	}
	return feed.Event[schema.Task]{
		Op:        op,
		Scope:     ev.Scope,
		ID:        ev.ID,
		Record:    ev.Task,
		Origin:    ev.Origin,
		Version:   ev.Version,
		Timestamp: ev.Timestamp,
	}, true
}
