// Package hub is the process-wide registry of live socket connections. It
// maps connections to identities and channel rooms and owns join, leave, and
// broadcast semantics. All state is guarded by a single reader-shared lock;
// no lock is ever held across store or network I/O.
package hub

import (
	"context"
	"log"
	"sync"

	"github.com/camarasama/instant-class-chat/internal/metrics"
	"github.com/camarasama/instant-class-chat/internal/model"
	"github.com/camarasama/instant-class-chat/internal/presence"
)

// MembershipStore answers whether an identity currently belongs to a channel.
// Join consults it on every call: membership is rechecked at use, never
// cached from an earlier join.
type MembershipStore interface {
	IsChannelMember(ctx context.Context, channelID, identityID string) (bool, error)
}

// Ingress handles an inbound chat message end to end (validate, persist,
// broadcast). The hub only learns whether it failed.
type Ingress interface {
	HandleIncoming(ctx context.Context, author model.Profile, channelID, text, fileURL, replyTo string) (model.Message, error)
}

type Hub struct {
	membership MembershipStore
	presence   *presence.Tracker
	metrics    *metrics.Collector
	ingress    Ingress
	opts       Options

	mu         sync.RWMutex
	conns      map[string]*Client
	byIdentity map[string]map[string]*Client
	rooms      map[string][]*Client // join order preserved per channel

	// fanMu serializes the enqueue phase of broadcast rounds so every
	// receiver observes the same relative order for sequential rounds.
	fanMu sync.Mutex
}

type Options struct {
	SendQueueSize  int
	MaxMessageSize int64
	MessageRate    float64
	MessageBurst   int
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.MessageRate <= 0 {
		o.MessageRate = 5
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 10
	}
	return o
}

func New(membership MembershipStore, tracker *presence.Tracker, collector *metrics.Collector, opts Options) *Hub {
	return &Hub{
		membership: membership,
		presence:   tracker,
		metrics:    collector,
		opts:       opts.withDefaults(),
		conns:      make(map[string]*Client),
		byIdentity: make(map[string]map[string]*Client),
		rooms:      make(map[string][]*Client),
	}
}

// SetIngress wires the message pipeline after construction; the pipeline in
// turn broadcasts through this hub.
func (h *Hub) SetIngress(ingress Ingress) {
	h.ingress = ingress
}

// Register adds a connection to the registry. One identity may hold several
// simultaneous connections. No channel membership is implied.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.conns[c.ID] = c
	peers := h.byIdentity[c.Identity.ID]
	if peers == nil {
		peers = make(map[string]*Client)
		h.byIdentity[c.Identity.ID] = peers
	}
	peers[c.ID] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	log.Printf("hub: %s connected (%s), %d connections", c.Identity.DisplayName, c.ID, total)
}

// Unregister removes a connection from every index and closes its send
// queue. Duplicate calls are no-ops.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	if peers := h.byIdentity[c.Identity.ID]; peers != nil {
		delete(peers, c.ID)
		if len(peers) == 0 {
			delete(h.byIdentity, c.Identity.ID)
		}
	}
	joined := make([]string, 0, len(c.joined))
	for channelID := range c.joined {
		h.rooms[channelID] = removeClient(h.rooms[channelID], c)
		if len(h.rooms[channelID]) == 0 {
			delete(h.rooms, channelID)
		}
		joined = append(joined, channelID)
	}
	c.closed = true
	close(c.send)
	total := len(h.conns)
	h.mu.Unlock()

	ctx := context.Background()
	user := c.Identity
	for _, channelID := range joined {
		h.presence.MarkOffline(ctx, channelID, user.ID)
		h.notifyExcept(channelID, c.ID, MarshalFrame(Frame{
			Type:      FrameUserLeft,
			ChannelID: channelID,
			User:      &user,
		}))
	}

	h.metrics.ConnectionClosed()
	log.Printf("hub: %s disconnected (%s), %d connections", c.Identity.DisplayName, c.ID, total)
}

// Join adds the connection to a channel room. Membership is verified against
// the store first, outside any lock; a connection whose identity has been
// removed from the channel is denied even if it had joined before.
func (h *Hub) Join(ctx context.Context, c *Client, channelID string) error {
	member, err := h.membership.IsChannelMember(ctx, channelID, c.Identity.ID)
	if err != nil {
		return err
	}
	if !member {
		return model.ErrAccessDenied
	}

	h.mu.Lock()
	if c.closed || c.joined[channelID] {
		h.mu.Unlock()
		return nil
	}
	c.joined[channelID] = true
	h.rooms[channelID] = append(h.rooms[channelID], c)
	h.mu.Unlock()

	user := c.Identity
	h.presence.MarkOnline(ctx, channelID, user.ID)
	h.notifyExcept(channelID, c.ID, MarshalFrame(Frame{
		Type:      FrameUserJoined,
		ChannelID: channelID,
		User:      &user,
	}))
	return nil
}

// Leave removes the connection from a channel room. Leaving a channel the
// connection never joined is a no-op.
func (h *Hub) Leave(ctx context.Context, c *Client, channelID string) {
	h.mu.Lock()
	if !c.joined[channelID] {
		h.mu.Unlock()
		return
	}
	delete(c.joined, channelID)
	h.rooms[channelID] = removeClient(h.rooms[channelID], c)
	if len(h.rooms[channelID]) == 0 {
		delete(h.rooms, channelID)
	}
	h.mu.Unlock()

	user := c.Identity
	h.presence.MarkOffline(ctx, channelID, user.ID)
	h.notifyExcept(channelID, c.ID, MarshalFrame(Frame{
		Type:      FrameUserLeft,
		ChannelID: channelID,
		User:      &user,
	}))
}

// Broadcast delivers the payload to every connection currently joined to the
// channel, in join order, including other connections of the same identity.
// Delivery to each peer is non-blocking: a peer that cannot take the message
// is unregistered rather than stalling the round.
func (h *Hub) Broadcast(channelID string, payload []byte) {
	failed := h.fanOut(channelID, "", payload)
	for _, c := range failed {
		log.Printf("hub: dropping %s (%s), send queue full or closed", c.Identity.DisplayName, c.ID)
		h.Unregister(c)
		c.closeConn()
	}
}

// notifyExcept fans out a presence or typing frame. These are best effort: a
// peer whose queue is momentarily full just misses the frame and stays
// connected, so a burst of notifications never cascades into disconnects.
func (h *Hub) notifyExcept(channelID, exceptConnID string, payload []byte) {
	h.fanOut(channelID, exceptConnID, payload)
}

func (h *Hub) fanOut(channelID, exceptConnID string, payload []byte) []*Client {
	if payload == nil {
		return nil
	}

	h.fanMu.Lock()
	h.mu.RLock()
	room := append([]*Client(nil), h.rooms[channelID]...)
	h.mu.RUnlock()

	var failed []*Client
	delivered := 0
	for _, c := range room {
		if c.ID == exceptConnID {
			continue
		}
		if h.trySend(c, payload) {
			delivered++
		} else {
			failed = append(failed, c)
		}
	}
	h.fanMu.Unlock()

	h.metrics.RecordBroadcast(delivered, len(failed))
	return failed
}

func (h *Hub) trySend(c *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Typing relays a typing indicator to the other members of a room the
// connection has joined. Nothing is persisted.
func (h *Hub) Typing(c *Client, channelID string, active bool) {
	h.mu.RLock()
	joined := c.joined[channelID]
	h.mu.RUnlock()
	if !joined {
		return
	}
	user := c.Identity
	h.notifyExcept(channelID, c.ID, MarshalFrame(Frame{
		Type:      FrameTyping,
		ChannelID: channelID,
		User:      &user,
		Active:    active,
	}))
}

// ConnectionCount reports the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.Unregister(c)
		c.closeConn()
	}
	log.Printf("hub: closed %d connections", len(conns))
}

func removeClient(room []*Client, target *Client) []*Client {
	out := room[:0]
	for _, c := range room {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}
