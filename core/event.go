package core

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
)

const (
	DefaultEventShards = 16
	defaultShardBuffer = 64

	genericClientError = "Something went wrong"
)

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// Sender is set on inbound events by the transport.
	Sender *Sender `json:"-"`
}

// Sender identifies the connection an inbound event arrived on.
type Sender struct {
	Identity
	ConnID string
}

func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func (e Event) String() string {
	sender := ""
	if e.Sender != nil {
		sender = e.Sender.ConnID
	}
	return fmt.Sprintf("Event{Type: %s, Sender: %s, Payload.Size: %d}", e.Type, sender, len(e.Payload))
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return fmt.Errorf("decode event: %w: missing type", ErrValidation)
	}
	return nil
}

type EventTransport interface {
	SendToRoom(event *Event, roomID string)
	SendToConn(event *Event, connID string)
	Receive() <-chan *Event
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound events to handlers registered by type.
//
// Events from one connection are always handled by the same worker, one at a time, so a
// connection observes its own events being processed in the order it sent them.
type EventRouter struct {
	listeners *SyncMap[string, EventHandler]
	transport EventTransport
	logger    *slog.Logger
	shards    int
}

func NewEventRouter(logger *slog.Logger, transport EventTransport, shards int) *EventRouter {
	if shards <= 0 {
		shards = DefaultEventShards
	}
	return &EventRouter{
		listeners: NewSyncMap[string, EventHandler](),
		transport: transport,
		logger:    logger.With(slog.String("component", "events")),
		shards:    shards,
	}
}

func (em *EventRouter) On(eventName string, handler EventHandler) {
	em.listeners.Store(eventName, handler)
}

// Listen dispatches events until ctx is cancelled, then waits for the events already handed to
// workers to finish. Handlers run on a context that is not cancelled by shutdown.
func (em *EventRouter) Listen(ctx context.Context) error {
	handlerCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	queues := make([]chan *Event, em.shards)
	for i := range queues {
		queues[i] = make(chan *Event, defaultShardBuffer)
		wg.Add(1)
		go func(q <-chan *Event) {
			defer wg.Done()
			for e := range q {
				em.handle(handlerCtx, e)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-em.transport.Receive():
			em.logger.Debug(fmt.Sprintf("received: %v", e))
			queues[em.shardOf(e)] <- e
		}
	}
}

func (em *EventRouter) shardOf(e *Event) int {
	if e.Sender == nil {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(e.Sender.ConnID))
	return int(h.Sum32() % uint32(em.shards))
}

func (em *EventRouter) handle(ctx context.Context, e *Event) {
	handler, ok := em.listeners.Load(e.Type)
	if !ok {
		em.logger.Warn("unknown event type", slog.String("type", e.Type))
		em.replyError(e, fmt.Errorf("%w: unknown event type %q", ErrValidation, e.Type))
		return
	}
	if err := handler(ctx, e); err != nil {
		em.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
		em.replyError(e, err)
	}
}

func (em *EventRouter) replyError(e *Event, err error) {
	if e.Sender == nil {
		return
	}
	if err := em.EmitToConn(ErrorEvent, ErrorPayload{Message: ClientMessage(err, genericClientError)}, e.Sender.ConnID); err != nil {
		em.logger.Error(err.Error())
	}
}

// EmitToRoom sends an event to every connection subscribed to roomID.
func (em *EventRouter) EmitToRoom(t string, payload any, roomID string) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.SendToRoom(e, roomID)
	return nil
}

func (em *EventRouter) EmitToConn(t string, payload any, connID string) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.SendToConn(e, connID)
	return nil
}
