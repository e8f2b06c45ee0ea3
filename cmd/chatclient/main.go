package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/client/history"
	"chat-realtime/internal/client/pending"
	"chat-realtime/internal/client/session"
	"chat-realtime/internal/logging"
	"chat-realtime/internal/models"
	"chat-realtime/internal/rooms"
)

type Options struct {
	Server   string `short:"s" long:"server" default:"http://localhost:8083" description:"base URL of the delivery service"`
	Token    string `short:"t" long:"token" env:"CHAT_TOKEN" required:"true" description:"bearer token"`
	UserID   int64  `short:"u" long:"user-id" description:"own user id, read from the token when omitted"`
	LogLevel string `short:"l" long:"loglevel" default:"info" description:"log level [debug, info, warn, error]"`
}

type Listen struct {
	Rooms []string `short:"r" long:"room" description:"room key to join, e.g. group_4 (repeatable)"`
}

type Send struct {
	Room    string        `short:"r" long:"room" required:"true" description:"conversation_<id> or group_<id>"`
	Text    string        `short:"m" long:"message" required:"true" description:"message text"`
	ReplyTo int64         `long:"reply-to" description:"id of the message being replied to"`
	Timeout time.Duration `long:"timeout" default:"5s" description:"delivery confirmation timeout"`
}

type History struct {
	Room  string `short:"r" long:"room" required:"true" description:"conversation_<id> or group_<id>"`
	Pages int    `short:"p" long:"pages" default:"1" description:"number of pages to read"`
	Size  int    `long:"page-size" default:"50" description:"messages per page"`
}

var (
	opts          Options
	listenCommand Listen
	sendCommand   Send
	historyCmd    History
	parser        = flags.NewParser(&opts, flags.Default)
)

func main() {
	parser.AddCommand("listen",
		"print live frames",
		"The listen command connects, joins the given rooms and prints every frame until interrupted",
		&listenCommand)
	parser.AddCommand("send",
		"send one message",
		"The send command submits a message and waits for the delivery outcome",
		&sendCommand)
	parser.AddCommand("history",
		"read room history",
		"The history command pages backwards through a room's history",
		&historyCmd)

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func setup() (zerolog.Logger, int64, error) {
	logger := logging.Setup(opts.LogLevel, "development")
	userID := opts.UserID
	if userID == 0 {
		id, err := auth.UserIDUnverified(opts.Token)
		if err != nil {
			return logger, 0, fmt.Errorf("read user id from token: %w", err)
		}
		userID = id
	}
	return logger, userID, nil
}

func wsURL(server string) string {
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "https://"):
		server = "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		server = "ws://" + strings.TrimPrefix(server, "http://")
	}
	return server + "/ws"
}

func newSession(logger zerolog.Logger, userID int64, cache *history.Cache, timeout time.Duration) *session.Session {
	s := session.New(session.NewWebsocketDialer(wsURL(opts.Server)), session.Options{
		UserID:          userID,
		Cache:           cache,
		Logger:          logger,
		DeliveryTimeout: timeout,
	})
	s.OnStateChange(func(c session.StateChange) {
		event := logger.Info()
		if c.Err != nil {
			event = logger.Warn().Err(c.Err)
		}
		event.Stringer("state", c.To).Int("attempt", c.Attempt).Bool("terminal", c.Terminal).Msg("session state")
	})
	return s
}

func parseRoom(raw string) (rooms.Key, error) {
	if _, _, err := rooms.Parse(raw); err != nil {
		return "", err
	}
	return rooms.Key(raw), nil
}

func (x *Listen) Execute(args []string) error {
	logger, userID, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := newSession(logger, userID, nil, 0)
	defer s.Close()
	for _, raw := range x.Rooms {
		key, err := parseRoom(raw)
		if err != nil {
			return err
		}
		if err := s.Join(ctx, key); err != nil {
			return err
		}
	}

	done := make(chan struct{}, 1)
	s.OnFrame(func(f models.Frame) {
		event := logger.Info().Str("type", string(f.Type)).Str("room", f.Room.String())
		if f.Message != nil {
			event = event.Int64("message_id", f.Message.ID).Str("from", f.Message.Sender.Username).Str("content", f.Message.Content)
		}
		if f.ErrorCode != "" {
			event = event.Str("error_code", f.ErrorCode)
		}
		event.Msg("frame")
	})
	s.OnStateChange(func(c session.StateChange) {
		if c.Terminal {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	if err := s.Connect(ctx, opts.Token); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-done:
		return errors.New("session stopped")
	}
	return nil
}

func (x *Send) Execute(args []string) error {
	logger, userID, err := setup()
	if err != nil {
		return err
	}
	key, err := parseRoom(x.Room)
	if err != nil {
		return err
	}
	ref, err := models.RoomRefFromKey(key)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), x.Timeout+15*time.Second)
	defer cancel()

	s := newSession(logger, userID, nil, x.Timeout)
	defer s.Close()
	if err := s.Connect(ctx, opts.Token); err != nil {
		return err
	}

	payload := models.SubmitPayload{
		ConversationID: ref.ConversationID,
		GroupID:        ref.GroupID,
		Content:        x.Text,
		MessageType:    models.KindText,
	}
	if x.ReplyTo > 0 {
		payload.ReplyToMessageID = &x.ReplyTo
	}
	receipt, err := s.Send(ctx, payload)
	if err != nil {
		return err
	}

	out, err := pending.Wait(ctx, receipt.Outcome)
	if err != nil {
		return err
	}
	switch out.Status {
	case pending.Delivered:
		fmt.Printf("delivered as message %d\n", out.MessageID)
	case pending.Failed:
		return out.Err
	default:
		fmt.Printf("sent, not confirmed (correlation id %s)\n", receipt.CorrelationID)
	}
	return nil
}

func (x *History) Execute(args []string) error {
	if _, _, err := setup(); err != nil {
		return err
	}
	key, err := parseRoom(x.Room)
	if err != nil {
		return err
	}
	cache, err := history.NewCache(history.NewHTTPFetcher(opts.Server, opts.Token), history.Options{PageSize: x.Size})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := cache.GetWindow(ctx, key); err != nil {
		return err
	}
	for i := 1; i < x.Pages; i++ {
		added, err := cache.LoadOlder(ctx, key)
		if err != nil {
			return err
		}
		if added == 0 {
			break
		}
	}

	w, _ := cache.Peek(key)
	for _, m := range w.Messages {
		fmt.Printf("%s  #%d  user %d: %s\n", m.SentAt.Local().Format("2006-01-02 15:04:05"), m.ID, m.SenderID, m.Content)
	}
	if w.HasOlder {
		fmt.Println("(older messages available)")
	}
	return nil
}
