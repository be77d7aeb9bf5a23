package chat

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/omochice/toy-relay-chat/internal/metrics"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// Registry tracks the live clients of one transport pool.
//
// The client ID to client mapping is a bijection and every registered client
// has exactly one nickname. All three maps change together under mu.
type Registry struct {
	protocol string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	byID      map[string]*Client
	ids       map[*Client]string
	nicknames map[*Client]string

	// broadcastMu orders nickname list snapshots with their delivery, so the
	// last list queued to a client is the latest one.
	broadcastMu sync.Mutex
}

// NewRegistry creates an empty Registry for the pool labelled protocol.
func NewRegistry(protocol string, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		protocol:  protocol,
		logger:    logger,
		metrics:   m,
		byID:      make(map[string]*Client),
		ids:       make(map[*Client]string),
		nicknames: make(map[*Client]string),
	}
}

// Add registers client under id and uses id as its initial nickname.
// Nothing is broadcast; the client shows up in the next nickname list.
func (r *Registry) Add(id string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[id]; ok && old != client {
		delete(r.ids, old)
		delete(r.nicknames, old)
	}
	if oldID, ok := r.ids[client]; ok && oldID != id {
		delete(r.byID, oldID)
	}

	r.byID[id] = client
	r.ids[client] = id
	r.nicknames[client] = id
}

// Remove unregisters client and pushes the updated nickname list to the
// remaining clients. Removing an unknown client is a no-op.
func (r *Registry) Remove(client *Client) bool {
	r.mu.Lock()
	id, ok := r.ids[client]
	if ok {
		delete(r.byID, id)
		delete(r.ids, client)
		delete(r.nicknames, client)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.BroadcastNicknameList()
	return true
}

// OnReceive applies a rename carried by msg and stamps msg with the sender's
// current nickname. The rename is applied first, so a renaming message is
// attributed to the new name.
func (r *Registry) OnReceive(client *Client, msg protocol.Message) protocol.Message {
	renamed := false

	r.mu.Lock()
	if _, ok := r.nicknames[client]; ok {
		if msg.HasRename() {
			r.nicknames[client] = strings.TrimSpace(msg.Nickname)
			renamed = true
		}
		msg.Nickname = r.nicknames[client]
	}
	r.mu.Unlock()

	if renamed {
		r.BroadcastNicknameList()
	}
	return msg
}

// BroadcastNicknameList pushes the nicknames of all clients to every client.
func (r *Registry) BroadcastNicknameList() int {
	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	r.mu.RLock()
	names := r.nicknamesLocked()
	targets := r.clientsLocked()
	r.mu.RUnlock()

	return r.deliver(protocol.NewNicknameListMessage(names), targets)
}

// Publish writes msg to every client in the pool, sender included.
// It returns the number of clients the message was queued for.
func (r *Registry) Publish(msg protocol.Message) int {
	r.mu.RLock()
	targets := r.clientsLocked()
	r.mu.RUnlock()

	return r.deliver(msg, targets)
}

func (r *Registry) clientsLocked() []*Client {
	targets := make([]*Client, 0, len(r.ids))
	for client := range r.ids {
		targets = append(targets, client)
	}
	return targets
}

// SendToOthers writes msg to every client except the one registered under
// msg.ClientID. An ID that is unknown to this pool, such as one relayed from
// another transport, excludes nobody.
func (r *Registry) SendToOthers(msg protocol.Message) int {
	r.mu.RLock()
	sender := r.byID[msg.ClientID]
	targets := make([]*Client, 0, len(r.ids))
	for client := range r.ids {
		if client != sender {
			targets = append(targets, client)
		}
	}
	r.mu.RUnlock()

	return r.deliver(msg, targets)
}

func (r *Registry) deliver(msg protocol.Message, targets []*Client) int {
	if len(targets) == 0 {
		return 0
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("failed to encode message",
			slog.String("protocol", r.protocol),
			slog.String("key", msg.Key.String()),
			slog.String("error", err.Error()))
		return 0
	}

	sent := 0
	for _, client := range targets {
		err := client.Send(frame)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrQueueFull):
			r.metrics.WriteDropped(r.protocol)
			r.logger.Warn("client queue full, dropping message",
				slog.String("protocol", r.protocol),
				slog.String("client_id", client.ID))
		}
	}
	return sent
}

// Nicknames returns the current nicknames in sorted order.
func (r *Registry) Nicknames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nicknamesLocked()
}

func (r *Registry) nicknamesLocked() []string {
	names := make([]string, 0, len(r.nicknames))
	for _, name := range r.nicknames {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Nickname returns the nickname of client.
func (r *Registry) Nickname(client *Client) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.nicknames[client]
	return name, ok
}

// Lookup returns the client registered under id.
func (r *Registry) Lookup(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.byID[id]
	return client, ok
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}
