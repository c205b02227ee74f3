// Package broadcast owns the live client registry and the three outbound
// addressing modes: direct, channel fan-out, and spatial-region fan-out.
package broadcast

import (
	"context"
	"sync"

	"stardrift/server/internal/spatial"
	"stardrift/server/logging"
)

// Transport is one client's persistent connection. Send failures mark the
// connection broken; the manager reacts by unregistering the client.
type Transport interface {
	Send(data []byte, binary bool) error
	Close() error
}

// Config tunes the registry's spatial fan-out.
type Config struct {
	// RegionSize is the cell pitch of the client-position index. Regions
	// are coarser than the object index because connection density is far
	// lower than object density.
	RegionSize float64
}

// DefaultConfig uses a region roughly a screen across.
func DefaultConfig() Config {
	return Config{RegionSize: 1024}
}

type client struct {
	id        string
	channels  map[string]struct{}
	x         float64
	y         float64
	transport Transport
	sent      uint64
}

// Stats is a counters snapshot for the stats surface.
type Stats struct {
	Clients           int           `json:"clients"`
	MessagesSent      uint64        `json:"messagesSent"`
	DirectSends       uint64        `json:"directSends"`
	ChannelBroadcasts uint64        `json:"channelBroadcasts"`
	AreaBroadcasts    uint64        `json:"areaBroadcasts"`
	SendFailures      uint64        `json:"sendFailures"`
	ClientsDropped    uint64        `json:"clientsDropped"`
	Regions           spatial.Stats `json:"regions"`
}

// Manager is the client registry. All methods are safe for concurrent use.
type Manager struct {
	cfg       Config
	publisher logging.Publisher

	mu      sync.Mutex
	clients map[string]*client
	regions *spatial.Index

	messagesSent      uint64
	directSends       uint64
	channelBroadcasts uint64
	areaBroadcasts    uint64
	sendFailures      uint64
	clientsDropped    uint64
}

// NewManager constructs an empty registry.
func NewManager(cfg Config, publisher logging.Publisher) *Manager {
	if cfg.RegionSize <= 0 {
		cfg.RegionSize = DefaultConfig().RegionSize
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Manager{
		cfg:       cfg,
		publisher: publisher,
		clients:   make(map[string]*client),
		regions:   spatial.NewIndex(cfg.RegionSize),
	}
}

// RegisterClient adds a connection to the registry. Registering an id that is
// already present replaces (and closes) the previous transport.
func (m *Manager) RegisterClient(id string, transport Transport) {
	if m == nil || id == "" || transport == nil {
		return
	}
	m.mu.Lock()
	if existing, ok := m.clients[id]; ok && existing.transport != nil {
		_ = existing.transport.Close()
	}
	m.clients[id] = &client{
		id:        id,
		channels:  make(map[string]struct{}),
		transport: transport,
	}
	m.regions.Update(id, 0, 0)
	m.mu.Unlock()
}

// UnregisterClient removes a client and closes its transport. Unknown ids are
// a no-op.
func (m *Manager) UnregisterClient(id string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
		m.regions.Remove(id)
	}
	m.mu.Unlock()
	if ok && c.transport != nil {
		_ = c.transport.Close()
	}
}

// UpdateClientPosition moves a client within the region index.
func (m *Manager) UpdateClientPosition(id string, x, y float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if c, ok := m.clients[id]; ok {
		c.x = x
		c.y = y
		m.regions.Update(id, x, y)
	}
	m.mu.Unlock()
}

// JoinChannel subscribes a client to a named broadcast topic.
func (m *Manager) JoinChannel(id, channel string) {
	if m == nil || channel == "" {
		return
	}
	m.mu.Lock()
	if c, ok := m.clients[id]; ok {
		c.channels[channel] = struct{}{}
	}
	m.mu.Unlock()
}

// LeaveChannel unsubscribes a client from a topic.
func (m *Manager) LeaveChannel(id, channel string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if c, ok := m.clients[id]; ok {
		delete(c.channels, channel)
	}
	m.mu.Unlock()
}

// IsRegistered reports whether the client is in the registry.
func (m *Manager) IsRegistered(id string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	_, ok := m.clients[id]
	m.mu.Unlock()
	return ok
}

// SendToClient delivers directly to one client. Sends to unknown clients are
// silent no-ops; transport failures unregister the client and are never
// surfaced to the caller.
func (m *Manager) SendToClient(id string, data []byte, binary bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok {
		m.directSends++
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.deliver(c, data, binary)
}

// BroadcastToChannel fans a payload out to every subscriber of the topic,
// optionally excluding one client (typically the sender).
func (m *Manager) BroadcastToChannel(channel string, data []byte, binary bool, excludeID string) int {
	if m == nil || channel == "" {
		return 0
	}
	m.mu.Lock()
	m.channelBroadcasts++
	targets := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		if c.id == excludeID {
			continue
		}
		if _, subscribed := c.channels[channel]; subscribed {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		m.deliver(c, data, binary)
	}
	return len(targets)
}

// BroadcastToArea fans a payload out to every client whose last known
// position is within radius of (x, y).
func (m *Manager) BroadcastToArea(x, y, radius float64, data []byte, binary bool) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	m.areaBroadcasts++
	ids := m.regions.QueryRadius(x, y, radius)
	targets := make([]*client, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		m.deliver(c, data, binary)
	}
	return len(targets)
}

// Deliver implements the outbound transport contract: compressed envelopes go
// out as binary frames. The returned error is always nil; failures are
// handled internally by dropping the client.
func (m *Manager) Deliver(clientID string, data []byte, compressed bool) error {
	m.SendToClient(clientID, data, compressed)
	return nil
}

// Stats reports registry counters.
func (m *Manager) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Clients:           len(m.clients),
		MessagesSent:      m.messagesSent,
		DirectSends:       m.directSends,
		ChannelBroadcasts: m.channelBroadcasts,
		AreaBroadcasts:    m.areaBroadcasts,
		SendFailures:      m.sendFailures,
		ClientsDropped:    m.clientsDropped,
		Regions:           m.regions.Stats(),
	}
}

// deliver writes to one transport, unregistering the client on failure. A
// broken connection is an expected lifecycle event, not an error for the
// sender.
func (m *Manager) deliver(c *client, data []byte, binary bool) {
	if c == nil || c.transport == nil {
		return
	}
	if err := c.transport.Send(data, binary); err != nil {
		m.mu.Lock()
		m.sendFailures++
		m.clientsDropped++
		_, stillRegistered := m.clients[c.id]
		if stillRegistered {
			delete(m.clients, c.id)
			m.regions.Remove(c.id)
		}
		m.mu.Unlock()
		_ = c.transport.Close()
		m.publisher.Publish(context.Background(), logging.Event{
			Type:     "broadcast.client_dropped",
			Subject:  logging.EntityRef{ID: c.id, Kind: logging.EntityKindClient},
			Severity: logging.SeverityInfo,
			Category: logging.CategoryNetwork,
			Payload:  map[string]any{"reason": err.Error()},
		})
		return
	}
	m.mu.Lock()
	c.sent++
	m.messagesSent++
	m.mu.Unlock()
}
