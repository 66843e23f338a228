package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"chatsync/internal/events"
	chat_errors "chatsync/pkg/errors"
	"chatsync/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer = 256
	pongWait     = 60 * time.Second
)

// Stream is the websocket push channel. Each Connect dials a fresh
// connection and yields envelopes until it drops.
type Stream struct {
	url    string
	token  func() string
	dialer *websocket.Dialer
	logger *logger.Logger
}

// NewStream dials wsURL with the client's current token in the query string.
func (c *Client) NewStream(wsURL string) *Stream {
	return &Stream{
		url:    wsURL,
		token:  c.bearer,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger: c.logger.Named("stream"),
	}
}

// Connect returns a channel that is closed when the connection ends or ctx
// is cancelled. Frames that are not envelopes are logged and skipped.
func (s *Stream) Connect(ctx context.Context) (<-chan events.Envelope, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket url: %v", chat_errors.ErrInvalidInput, err)
	}
	q := u.Query()
	q.Set("token", s.token())
	u.RawQuery = q.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, statusError(resp.StatusCode, "websocket handshake")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial websocket: %v", chat_errors.ErrNetworkUnavailable, err)
	}

	out := make(chan events.Envelope, streamBuffer)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warnf("stream closed: %v", err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))

			env, err := events.ParseEnvelope(frame)
			if err != nil {
				s.logger.Debugf("dropping frame: %v", err)
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
