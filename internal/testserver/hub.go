package testserver

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const eventsChannel = "shainy:events"

// delivery is one payload for a set of users. No users means everyone.
// A delivery with a client goes to that connection only and never leaves
// this instance.
type delivery struct {
	UserIDs []string `json:"userIds,omitempty"`
	Payload []byte   `json:"payload"`
	client  *Client
}

type identify struct {
	client *Client
	userID string
}

// Hub owns the set of live connections and which user each one belongs to.
type Hub struct {
	clients    map[*Client]string // client -> user id, "" until authenticated
	register   chan *Client
	unregister chan *Client
	identify   chan identify
	deliver    chan delivery
	redis      *redis.Client
	log        zerolog.Logger
	done       chan struct{}
}

// NewHub fans deliveries out locally, or through Redis pub/sub when
// redisClient is set so several server instances share one audience.
func NewHub(redisClient *redis.Client, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]string),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		identify:   make(chan identify),
		deliver:    make(chan delivery, 64),
		redis:      redisClient,
		log:        log.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			h.clients = map[*Client]string{}
			return

		case client := <-h.register:
			h.clients[client] = ""

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case id := <-h.identify:
			if _, ok := h.clients[id.client]; ok {
				h.clients[id.client] = id.userID
			}

		case d := <-h.deliver:
			h.fanOut(d)
		}
	}
}

// send hands op to the Run loop unless it has stopped.
func send[T any](h *Hub, ch chan T, v T) {
	select {
	case ch <- v:
	case <-h.done:
	}
}

func (h *Hub) fanOut(d delivery) {
	if d.client != nil {
		if _, ok := h.clients[d.client]; ok {
			h.push(d.client, d.Payload)
		}
		return
	}
	var audience map[string]bool
	if len(d.UserIDs) > 0 {
		audience = make(map[string]bool, len(d.UserIDs))
		for _, id := range d.UserIDs {
			audience[id] = true
		}
	}
	for client, userID := range h.clients {
		if userID == "" || (audience != nil && !audience[userID]) {
			continue
		}
		h.push(client, d.Payload)
	}
}

// push drops a client whose buffer is full.
func (h *Hub) push(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		close(client.send)
		delete(h.clients, client)
	}
}

// Reply sends v to one connection.
func (h *Hub) Reply(client *Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("encode reply")
		return
	}
	send(h, h.deliver, delivery{Payload: payload, client: client})
}

// Publish sends v as JSON to every authenticated connection of userIDs.
func (h *Hub) Publish(ctx context.Context, v any, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	h.publish(ctx, v, userIDs)
}

// Broadcast sends v to every authenticated connection.
func (h *Hub) Broadcast(ctx context.Context, v any) {
	h.publish(ctx, v, nil)
}

func (h *Hub) publish(ctx context.Context, v any, userIDs []string) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("encode event")
		return
	}
	d := delivery{UserIDs: userIDs, Payload: payload}

	if h.redis == nil {
		send(h, h.deliver, d)
		return
	}
	wire, _ := json.Marshal(d)
	if err := h.redis.Publish(ctx, eventsChannel, wire).Err(); err != nil {
		h.log.Error().Err(err).Msg("redis publish failed")
	}
}

// SubscribeToRedis forwards deliveries published by any instance to local clients.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	// Wait for the subscription so nothing published after Start is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.Error().Err(err).Msg("redis subscribe failed")
		return
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var d delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				h.log.Warn().Err(err).Msg("dropping malformed delivery")
				continue
			}
			send(h, h.deliver, d)
		}
	}
}
