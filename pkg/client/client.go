// Package client implements the viewer side of the earshot monitoring
// protocol: a WebSocket connection that joins call-monitoring scopes and
// receives decoded call audio as typed events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/earshot-live/earshot/pkg/event"
)

const (
	monitorPath = "/v1/monitor"

	// readLimit caps inbound message size. Audio events carry base64 PCM,
	// so the default WebSocket limit is far too small.
	readLimit = 1 << 20

	defaultAudioBuffer = 256
	defaultReplyBuffer = 16
)

// Option configures a [Client] during dialing.
type Option func(*Client)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithAudioBuffer sets the capacity of the audio event channel. A consumer
// that falls behind by more than this stalls the read loop.
func WithAudioBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.audioBuf = n
		}
	}
}

// Client is a live viewer connection. Events arrive on three typed channels,
// all closed when the connection ends; after the audio channel closes, Err
// reports why.
//
// All methods are safe for concurrent use.
type Client struct {
	conn     *websocket.Conn
	log      *slog.Logger
	audioBuf int

	audio chan event.Audio
	acks  chan event.Ack
	infos chan event.StreamInfo

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu   sync.Mutex
	readErr error
}

// Dial connects to an earshot server as a viewer. serverURL may use an
// http(s) or ws(s) scheme; the monitor path is appended. token is the bearer
// credential presented during the handshake.
func Dial(ctx context.Context, serverURL, token string, opts ...Option) (*Client, error) {
	wsURL, err := monitorURL(serverURL)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	c := &Client{
		log:      slog.Default(),
		audioBuf: defaultAudioBuffer,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.audio = make(chan event.Audio, c.audioBuf)
	c.acks = make(chan event.Ack, defaultReplyBuffer)
	c.infos = make(chan event.StreamInfo, defaultReplyBuffer)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Join subscribes to a call's audio. Use scope "*" for every call. The
// server's answer arrives on [Client.Acks] as a joined or refused event.
func (c *Client) Join(ctx context.Context, call string) error {
	return c.send(ctx, event.TypeJoinCallMonitoring, call)
}

// Leave drops the subscription for call. The server sends no reply.
func (c *Client) Leave(ctx context.Context, call string) error {
	return c.send(ctx, event.TypeLeaveCallMonitoring, call)
}

// RequestStreamInfo asks for a call's live stream parameters. The answer
// arrives on [Client.StreamInfos], or on [Client.Acks] as not-available.
func (c *Client) RequestStreamInfo(ctx context.Context, call string) error {
	return c.send(ctx, event.TypeRequestAudioStream, call)
}

// Audio returns the channel of call-audio events.
func (c *Client) Audio() <-chan event.Audio { return c.audio }

// Acks returns the channel of join/refusal/not-available events.
func (c *Client) Acks() <-chan event.Ack { return c.acks }

// StreamInfos returns the channel of stream parameter events.
func (c *Client) StreamInfos() <-chan event.StreamInfo { return c.infos }

// Err reports why the event channels closed. It returns nil while the
// connection is live, after a clean shutdown from either side, and after a
// local Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Close terminates the connection and waits for the read loop to finish.
// Close is idempotent.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
		c.wg.Wait()
	})
	return nil
}

func (c *Client) send(ctx context.Context, typ, call string) error {
	select {
	case <-c.done:
		return errors.New("client: connection is closed")
	default:
	}
	data, err := json.Marshal(event.Control{Type: typ, Call: call})
	if err != nil {
		return fmt.Errorf("client: marshal %s: %w", typ, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("client: send %s: %w", typ, err)
	}
	return nil
}

// readLoop receives server events and fans them out to the typed channels.
// It owns the channels: all three close when it returns.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.audio)
	defer close(c.acks)
	defer close(c.infos)

	ctx := context.Background()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.setErr(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := event.Decode(data)
		if err != nil {
			c.log.Warn("undecodable server event", "error", err)
			continue
		}

		switch ev := ev.(type) {
		case event.Audio:
			select {
			case c.audio <- ev:
			case <-c.done:
				return
			}
		case event.Ack:
			select {
			case c.acks <- ev:
			case <-c.done:
				return
			}
		case event.StreamInfo:
			select {
			case c.infos <- ev:
			case <-c.done:
				return
			}
		default:
			c.log.Warn("unexpected server event", "type", fmt.Sprintf("%T", ev))
		}
	}
}

// setErr records why the read loop ended. Local closes and clean remote
// closes are not errors.
func (c *Client) setErr(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

// monitorURL normalizes serverURL to a WebSocket URL ending in the monitor
// path.
func monitorURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("client: parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + monitorPath
	return u.String(), nil
}
