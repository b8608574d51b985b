package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pcoelho/tchat/internal/bus"
	"github.com/pcoelho/tchat/internal/store"
)

// ValidationError rejects a send before anything is queued or transmitted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// MessageSender is the server surface for submitting a message. The returned
// message is the confirmed one, with the server-assigned id and timestamp.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, content string) (*store.Message, error)
}

// Ingester merges a confirmed message into the local picture.
type Ingester interface {
	Ingest(msg *store.Message) error
}

// Sender drains the outbox and submits queued messages to the server.
//
// A queued message lives only in the outbox until the server confirms it.
// The thread never shows a provisional copy; when the confirmation lands it
// is ingested like any other message, so the later push or fetch echo of the
// same id collapses into it.
type Sender struct {
	db       *store.DB
	sender   MessageSender
	ingester Ingester
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender MessageSender, ingester Ingester, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		sender:   sender,
		ingester: ingester,
		bus:      b,
		logger:   logger,
	}
}

// Queue validates and enqueues a message for chatID. Whitespace-only bodies
// are rejected before any store write or network call. One message per chat
// may be in flight at a time; the composer stays disabled until the ack or
// failure comes back.
func (s *Sender) Queue(chatID, body string) (string, error) {
	if chatID == "" {
		return "", &ValidationError{Reason: "no chat selected"}
	}
	if strings.TrimSpace(body) == "" {
		return "", &ValidationError{Reason: "message is empty"}
	}
	inflight, err := s.db.HasInFlight(chatID)
	if err != nil {
		return "", fmt.Errorf("check in-flight: %w", err)
	}
	if inflight {
		return "", &ValidationError{Reason: "previous message still sending"}
	}

	clientTempID := uuid.NewString()
	if err := s.db.QueueOutbox(clientTempID, chatID, body); err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}

	s.bus.Publish(bus.Event{
		Kind:      "message.queued",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"client_temp_id": clientTempID,
			"chat_id":        chatID,
		},
	})
	return clientTempID, nil
}

// InFlight reports whether chatID has a queued or sending message.
func (s *Sender) InFlight(chatID string) (bool, error) {
	return s.db.HasInFlight(chatID)
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains queued outbox entries once. The loop calls this on
// a tick; tests call it directly.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientTempID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
			continue
		}

		confirmed, err := s.sender.SendMessage(ctx, entry.ChatID, entry.Body)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
			_ = s.db.MarkOutboxFailed(entry.ClientTempID, err.Error())
			s.bus.Publish(bus.Event{
				Kind:      "message.send_failed",
				Timestamp: time.Now(),
				Payload: map[string]string{
					"client_temp_id": entry.ClientTempID,
					"chat_id":        entry.ChatID,
					"body":           entry.Body,
					"error":          err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientTempID, confirmed.MsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
		}
		if err := s.ingester.Ingest(confirmed); err != nil {
			s.logger.Error("failed to ingest confirmation", zap.Error(err), zap.String("msg_id", confirmed.MsgID))
		}

		s.logger.Info("message sent",
			zap.String("client_temp_id", entry.ClientTempID),
			zap.String("server_msg_id", confirmed.MsgID))
		s.bus.Publish(bus.Event{
			Kind:      "message.send_ack",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_temp_id": entry.ClientTempID,
				"server_msg_id":  confirmed.MsgID,
				"chat_id":        entry.ChatID,
			},
		})
	}
}
