package ws

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chat-realtime/internal/config"
	"chat-realtime/internal/dispatch"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/rooms"
)

const submitTimeout = 10 * time.Second

// Client is one live websocket connection. Only the write pump writes to conn.
type Client struct {
	info    ConnInfo
	hub     *Hub
	conn    *websocket.Conn
	cfg     config.WSConfig
	logger  zerolog.Logger
	limiter *rate.Limiter

	send    chan []byte
	submits chan models.Frame

	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[rooms.Key]struct{}
}

func newClient(info ConnInfo, hub *Hub, conn *websocket.Conn, cfg config.WSConfig, logger zerolog.Logger) *Client {
	return &Client{
		info:    info,
		hub:     hub,
		conn:    conn,
		cfg:     cfg,
		logger:  logger.With().Str("conn_id", info.ConnID).Int64("user_id", info.UserID).Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst),
		send:    make(chan []byte, cfg.SendBuffer),
		submits: make(chan models.Frame, cfg.SubmitBurst),
		done:    make(chan struct{}),
		rooms:   make(map[rooms.Key]struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.info.ConnID }

// UserID returns the authenticated user behind the connection.
func (c *Client) UserID() int64 { return c.info.UserID }

// enqueue queues a payload without blocking. A full queue marks the peer as a slow
// consumer and closes the connection.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		observability.IncWSDroppedFrame()
		c.logger.Warn().Msg("send queue full, closing slow consumer")
		c.close()
		return false
	}
}

func (c *Client) sendFrame(frame models.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.Unregister(c)
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) trackRoom(key rooms.Key, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.rooms[key] = struct{}{}
	} else {
		delete(c.rooms, key)
	}
}

func (c *Client) joinedRooms() []rooms.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]rooms.Key, 0, len(c.rooms))
	for k := range c.rooms {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

// submitLoop hands this connection's submissions to the dispatcher one at a time, in
// arrival order, off the read loop.
func (c *Client) submitLoop(ctx context.Context, dispatcher Dispatcher) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.submits:
			subCtx, cancel := context.WithTimeout(ctx, submitTimeout)
			p := frame.Submit
			_, _ = dispatcher.Submit(subCtx, dispatch.Submission{
				SenderID:      c.info.UserID,
				Room:          p.Room(),
				Content:       p.Content,
				Kind:          p.MessageType,
				ReplyTo:       p.ReplyToMessageID,
				CorrelationID: frame.CorrelationID,
				OriginConnID:  c.info.ConnID,
			})
			cancel()
		}
	}
}

// readPump decodes client frames until the connection fails. It returns the close reason.
func (c *Client) readPump(ctx context.Context, dispatcher Dispatcher) (string, error) {
	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err.Error(), err
		}
		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug().Err(err).Msg("malformed frame")
			continue
		}
		c.handleFrame(ctx, dispatcher, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, dispatcher Dispatcher, frame models.Frame) {
	switch frame.Type {
	case models.FrameJoin:
		if err := dispatcher.CanJoin(ctx, c.info.UserID, frame.Room); err != nil {
			c.sendFrame(models.Frame{Type: models.FrameJoinFailed, Room: frame.Room, Error: dispatch.MessageOf(err), ErrorCode: dispatch.CodeOf(err)})
			return
		}
		c.hub.Join(frame.Room, c)
		c.sendFrame(models.Frame{Type: models.FrameJoined, Room: frame.Room})

	case models.FrameLeave:
		c.hub.Leave(frame.Room, c)
		c.sendFrame(models.Frame{Type: models.FrameLeft, Room: frame.Room})

	case models.FrameSubmit:
		if frame.Submit == nil {
			c.failSubmit(frame, dispatch.ErrInvalidContent)
			return
		}
		if !c.limiter.Allow() {
			c.failSubmit(frame, dispatch.ErrRateLimited)
			return
		}
		select {
		case c.submits <- frame:
		default:
			c.failSubmit(frame, dispatch.ErrRateLimited)
		}

	case models.FrameTyping:
		if !c.hub.IsMember(frame.Room, c.info.ConnID) {
			return
		}
		c.hub.Broadcast(frame.Room, models.Frame{Type: models.FrameTyping, Room: frame.Room, UserID: c.info.UserID}, c.info.ConnID, nil)

	case models.FramePing:
		c.sendFrame(models.Frame{Type: models.FramePong})

	default:
		c.logger.Debug().Str("type", string(frame.Type)).Msg("unknown frame type")
	}
}

// failSubmit rejects a submit frame before it reaches the dispatcher. The room is
// echoed so the sender can drop its optimistic copy.
func (c *Client) failSubmit(frame models.Frame, err error) {
	observability.IncSubmission("live", dispatch.CodeOf(err))
	room := frame.Room
	if frame.Submit != nil {
		if ref := frame.Submit.Room(); ref.Validate() == nil {
			room = ref.Key()
		}
	}
	c.sendFrame(models.Frame{
		Type:          models.FrameDeliveryFailed,
		Room:          room,
		CorrelationID: frame.CorrelationID,
		Error:         dispatch.MessageOf(err),
		ErrorCode:     dispatch.CodeOf(err),
	})
}
