package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"concord/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// frame is the wire representation of one event stream message.
type frame struct {
	Seq    int64   `json:"seq"`
	Type   string  `json:"type"` // "ban_add", "ban_remove", "member_update", "server_join", "ready"
	Server string  `json:"server,omitempty"`
	User   string  `json:"user,omitempty"`
	Old    *Member `json:"old,omitempty"`
	New    *Member `json:"new,omitempty"`
}

// EventClientConfig configures the event stream consumer.
type EventClientConfig struct {
	// Endpoints is a list of WebSocket URLs to connect to, rotated on failure.
	Endpoints []string

	// Compress requests zstd-compressed frames from the stream.
	Compress bool
}

// EventClient consumes change notifications from the shared event stream and
// delivers them as typed Events. It reconnects with exponential backoff and
// resumes from the last seen sequence number.
type EventClient struct {
	config EventClientConfig
	out    chan Event

	conn               *websocket.Conn
	connMu             sync.Mutex
	currentEndpointIdx int

	zstdDecoder *zstd.Decoder

	// Cursor for resume
	cursor atomic.Int64

	eventsReceived atomic.Int64
	bytesReceived  atomic.Int64

	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewEventClient creates an event stream consumer. Events are delivered on
// the channel returned by Events.
func NewEventClient(config EventClientConfig) (*EventClient, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &EventClient{
		config:      config,
		out:         make(chan Event, 256),
		stopCh:      make(chan struct{}),
		zstdDecoder: decoder,
	}, nil
}

// Events returns the channel typed events are delivered on. The channel is
// closed when the client stops.
func (c *EventClient) Events() <-chan Event {
	return c.out
}

// Start begins consuming events in a background goroutine.
func (c *EventClient) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.out)
		c.run(ctx)
	}()
}

// Stop gracefully stops the client.
func (c *EventClient) Stop() {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()

	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}

// IsConnected returns true if currently connected to the event stream.
func (c *EventClient) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns consumer statistics.
func (c *EventClient) Stats() (eventsReceived, bytesReceived int64) {
	return c.eventsReceived.Load(), c.bytesReceived.Load()
}

func (c *EventClient) run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway: context cancelled, stopping event client")
			return
		case <-c.stopCh:
			log.Info().Msg("gateway: stop requested, stopping event client")
			return
		default:
		}

		endpoint := c.config.Endpoints[c.currentEndpointIdx]
		err := c.connectAndConsume(ctx, endpoint)

		if err != nil {
			c.connected.Store(false)
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("gateway: connection error")

			// Rotate to next endpoint
			c.currentEndpointIdx = (c.currentEndpointIdx + 1) % len(c.config.Endpoints)

			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = time.Second
		}
	}
}

func (c *EventClient) connectAndConsume(ctx context.Context, endpoint string) error {
	wsURL, err := c.buildStreamURL(endpoint)
	if err != nil {
		return fmt.Errorf("failed to build stream URL: %w", err)
	}

	log.Info().Str("url", wsURL).Msg("gateway: connecting to event stream")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connected.Store(true)
	metrics.GatewayConnectionState.Set(1)
	log.Info().Str("endpoint", endpoint).Msg("gateway: connected to event stream")

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.connected.Store(false)
		metrics.GatewayConnectionState.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		c.bytesReceived.Add(int64(len(message)))

		if err := c.processMessage(ctx, message); err != nil {
			metrics.GatewayErrorsTotal.Inc()
			log.Warn().Err(err).Msg("gateway: failed to process message")
		}
	}
}

func (c *EventClient) buildStreamURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()

	if c.config.Compress {
		q.Set("compress", "true")
	}

	// Resume from the last seen sequence, rewound slightly to cover gaps.
	cursor := c.cursor.Load()
	if cursor > 100 {
		q.Set("after", fmt.Sprintf("%d", cursor-100))
	} else if cursor > 0 {
		q.Set("after", fmt.Sprintf("%d", cursor))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *EventClient) processMessage(ctx context.Context, data []byte) error {
	// Zstd compressed data starts with magic number 0x28 0xB5 0x2F 0xFD
	if c.config.Compress && len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		decompressed, err := c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress message: %w", err)
		}
		data = decompressed
	}

	ev, seq, err := decodeFrame(data)
	if err != nil {
		return err
	}

	c.eventsReceived.Add(1)
	if seq > 0 {
		c.cursor.Store(seq)
	}
	if ev == nil {
		return nil
	}

	select {
	case c.out <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return nil
	}
	return nil
}

// decodeFrame parses one wire frame into a typed event. Unknown frame types
// are skipped without error so the stream can evolve.
func decodeFrame(data []byte) (Event, int64, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		preview := data
		if len(preview) > 50 {
			preview = preview[:50]
		}
		return nil, 0, fmt.Errorf("failed to unmarshal frame (first bytes: %q): %w", preview, err)
	}

	switch f.Type {
	case "ban_add":
		return BanAddEvent{Server: ServerID(f.Server), User: UserID(f.User)}, f.Seq, nil
	case "ban_remove":
		return BanRemoveEvent{Server: ServerID(f.Server), User: UserID(f.User)}, f.Seq, nil
	case "member_update":
		ev := MemberUpdateEvent{Server: ServerID(f.Server), User: UserID(f.User)}
		if f.Old != nil {
			ev.Old = *f.Old
		}
		if f.New != nil {
			ev.New = *f.New
		}
		return ev, f.Seq, nil
	case "server_join":
		return ServerJoinEvent{Server: ServerID(f.Server)}, f.Seq, nil
	case "ready":
		return ReadyEvent{}, f.Seq, nil
	default:
		log.Debug().Str("type", f.Type).Msg("gateway: skipping unknown frame type")
		return nil, f.Seq, nil
	}
}
