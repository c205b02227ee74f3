// Package outbound shapes per-client traffic: priority-tiered flush timers,
// per-type throttling, duplicate suppression, field whitelisting, and
// batching into size-capped envelopes. Queueing never blocks the tick loop;
// overload is handled by dropping, on the assumption that a superseding
// update follows shortly.
package outbound

import (
	"encoding/json"
	"sync"
	"time"

	"stardrift/server/logging"
)

// Priority selects the flush tier for a queued message.
type Priority int

const (
	// PriorityCritical messages bypass queueing, throttling, and batching.
	PriorityCritical Priority = iota
	// PriorityHigh flushes on a ~16 ms cadence.
	PriorityHigh
	// PriorityMedium flushes on a ~50 ms cadence.
	PriorityMedium
	// PriorityLow flushes on a ~100 ms cadence.
	PriorityLow
)

// Message is one typed payload destined for a client.
type Message struct {
	Type    string
	Payload any
}

// Transport delivers a serialized envelope to one client. Implementations
// must not block the caller for long and must swallow per-client failures.
type Transport interface {
	Deliver(clientID string, data []byte, compressed bool) error
}

// Config tunes the optimizer.
type Config struct {
	HighInterval   time.Duration
	MediumInterval time.Duration
	LowInterval    time.Duration
	// ThrottleIntervals maps a message type to its minimum send interval.
	// A second message of the same type to the same client inside the
	// window is dropped, not delayed.
	ThrottleIntervals map[string]time.Duration
	// DedupeTypes enables duplicate suppression for the listed types: a
	// message whose serialized form equals the previous one is dropped.
	DedupeTypes []string
	// FieldWhitelist reduces a message's payload to the listed fields.
	FieldWhitelist map[string][]string
	// MaxBatchBytes caps one batch envelope; oversized batches are split.
	MaxBatchBytes int
	// CompressMinBytes compresses envelopes larger than this with zstd.
	// Zero disables compression.
	CompressMinBytes int
}

// DefaultConfig mirrors the cadences used by the stock server.
func DefaultConfig() Config {
	return Config{
		HighInterval:   16 * time.Millisecond,
		MediumInterval: 50 * time.Millisecond,
		LowInterval:    100 * time.Millisecond,
		ThrottleIntervals: map[string]time.Duration{
			"position":    16 * time.Millisecond,
			"chat":        100 * time.Millisecond,
			"collision":   250 * time.Millisecond,
			"leaderboard": time.Second,
		},
		MaxBatchBytes: 32 * 1024,
	}
}

type clientTypeKey struct {
	clientID string
	msgType  string
}

type queuedMessage struct {
	msgType string
	data    json.RawMessage
}

// Stats is a counters snapshot for the stats surface.
type Stats struct {
	Queued         uint64 `json:"queued"`
	Critical       uint64 `json:"critical"`
	Throttled      uint64 `json:"throttled"`
	Deduplicated   uint64 `json:"deduplicated"`
	BatchesSent    uint64 `json:"batchesSent"`
	BatchesSplit   uint64 `json:"batchesSplit"`
	Compressed     uint64 `json:"compressed"`
	EncodeFailures uint64 `json:"encodeFailures"`
	PendingHigh    int    `json:"pendingHigh"`
	PendingMedium  int    `json:"pendingMedium"`
	PendingLow     int    `json:"pendingLow"`
}

// Optimizer queues, throttles, and batches outbound messages per client.
type Optimizer struct {
	cfg       Config
	clock     logging.Clock
	transport Transport
	dedupe    map[string]struct{}

	mu          sync.Mutex
	tiers       [3]map[string][]queuedMessage
	lastSentAt  map[clientTypeKey]time.Time
	lastPayload map[clientTypeKey]string

	queued         uint64
	critical       uint64
	throttled      uint64
	deduplicated   uint64
	batchesSent    uint64
	batchesSplit   uint64
	compressed     uint64
	encodeFailures uint64
}

// NewOptimizer constructs an optimizer in front of the given transport.
func NewOptimizer(cfg Config, clock logging.Clock, transport Transport) *Optimizer {
	defaults := DefaultConfig()
	if cfg.HighInterval <= 0 {
		cfg.HighInterval = defaults.HighInterval
	}
	if cfg.MediumInterval <= 0 {
		cfg.MediumInterval = defaults.MediumInterval
	}
	if cfg.LowInterval <= 0 {
		cfg.LowInterval = defaults.LowInterval
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = defaults.MaxBatchBytes
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	o := &Optimizer{
		cfg:         cfg,
		clock:       clock,
		transport:   transport,
		dedupe:      make(map[string]struct{}, len(cfg.DedupeTypes)),
		lastSentAt:  make(map[clientTypeKey]time.Time),
		lastPayload: make(map[clientTypeKey]string),
	}
	for _, msgType := range cfg.DedupeTypes {
		o.dedupe[msgType] = struct{}{}
	}
	for i := range o.tiers {
		o.tiers[i] = make(map[string][]queuedMessage)
	}
	return o
}

// QueueMessage accepts a message for the client. Critical messages are
// delivered immediately; other tiers wait for their flush timer. The call
// never blocks: a message inside its type's throttle window, or an exact
// duplicate of the previous one, is silently dropped.
func (o *Optimizer) QueueMessage(clientID string, msg Message, priority Priority) {
	if o == nil || clientID == "" || msg.Type == "" {
		return
	}
	data, err := o.encodePayload(msg)
	if err != nil {
		o.mu.Lock()
		o.encodeFailures++
		o.mu.Unlock()
		return
	}

	key := clientTypeKey{clientID: clientID, msgType: msg.Type}
	now := o.clock.Now()

	o.mu.Lock()
	if priority != PriorityCritical {
		if interval, throttled := o.cfg.ThrottleIntervals[msg.Type]; throttled {
			if last, seen := o.lastSentAt[key]; seen && now.Sub(last) < interval {
				o.throttled++
				o.mu.Unlock()
				return
			}
		}
		if _, suppress := o.dedupe[msg.Type]; suppress {
			if o.lastPayload[key] == string(data) {
				o.deduplicated++
				o.mu.Unlock()
				return
			}
			o.lastPayload[key] = string(data)
		}
	}
	o.lastSentAt[key] = now

	if priority == PriorityCritical {
		o.critical++
		o.mu.Unlock()
		o.sendEnvelope(clientID, []queuedMessage{{msgType: msg.Type, data: data}})
		return
	}

	tier := tierIndex(priority)
	o.tiers[tier][clientID] = append(o.tiers[tier][clientID], queuedMessage{msgType: msg.Type, data: data})
	o.queued++
	o.mu.Unlock()
}

// Run drives the per-tier flush timers until the stop channel closes.
func (o *Optimizer) Run(stop <-chan struct{}) {
	if o == nil {
		return
	}
	high := time.NewTicker(o.cfg.HighInterval)
	medium := time.NewTicker(o.cfg.MediumInterval)
	low := time.NewTicker(o.cfg.LowInterval)
	defer high.Stop()
	defer medium.Stop()
	defer low.Stop()

	for {
		select {
		case <-stop:
			o.FlushAll()
			return
		case <-high.C:
			o.FlushTier(PriorityHigh)
		case <-medium.C:
			o.FlushTier(PriorityMedium)
		case <-low.C:
			o.FlushTier(PriorityLow)
		}
	}
}

// FlushTier drains one tier, merging each client's pending messages into
// batch envelopes.
func (o *Optimizer) FlushTier(priority Priority) {
	if o == nil || priority == PriorityCritical {
		return
	}
	tier := tierIndex(priority)

	o.mu.Lock()
	pending := o.tiers[tier]
	if len(pending) == 0 {
		o.mu.Unlock()
		return
	}
	o.tiers[tier] = make(map[string][]queuedMessage)
	o.mu.Unlock()

	for clientID, messages := range pending {
		o.sendBatched(clientID, messages)
	}
}

// FlushAll drains every tier, highest priority first.
func (o *Optimizer) FlushAll() {
	o.FlushTier(PriorityHigh)
	o.FlushTier(PriorityMedium)
	o.FlushTier(PriorityLow)
}

// ForgetClient discards queued messages and throttle history for a client.
func (o *Optimizer) ForgetClient(clientID string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.tiers {
		delete(o.tiers[i], clientID)
	}
	for key := range o.lastSentAt {
		if key.clientID == clientID {
			delete(o.lastSentAt, key)
		}
	}
	for key := range o.lastPayload {
		if key.clientID == clientID {
			delete(o.lastPayload, key)
		}
	}
}

// Stats reports optimizer counters and queue depths.
func (o *Optimizer) Stats() Stats {
	if o == nil {
		return Stats{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := Stats{
		Queued:         o.queued,
		Critical:       o.critical,
		Throttled:      o.throttled,
		Deduplicated:   o.deduplicated,
		BatchesSent:    o.batchesSent,
		BatchesSplit:   o.batchesSplit,
		Compressed:     o.compressed,
		EncodeFailures: o.encodeFailures,
	}
	for _, queue := range o.tiers[0] {
		stats.PendingHigh += len(queue)
	}
	for _, queue := range o.tiers[1] {
		stats.PendingMedium += len(queue)
	}
	for _, queue := range o.tiers[2] {
		stats.PendingLow += len(queue)
	}
	return stats
}

// sendBatched splits the client's messages into envelopes no larger than
// MaxBatchBytes. A single oversized message still goes out alone.
func (o *Optimizer) sendBatched(clientID string, messages []queuedMessage) {
	if len(messages) == 0 {
		return
	}
	var batch []queuedMessage
	size := batchOverheadBytes
	for _, msg := range messages {
		msgSize := len(msg.data) + len(msg.msgType) + perMessageOverheadBytes
		if len(batch) > 0 && size+msgSize > o.cfg.MaxBatchBytes {
			o.sendEnvelope(clientID, batch)
			o.mu.Lock()
			o.batchesSplit++
			o.mu.Unlock()
			batch = nil
			size = batchOverheadBytes
		}
		batch = append(batch, msg)
		size += msgSize
	}
	o.sendEnvelope(clientID, batch)
}

func (o *Optimizer) encodePayload(msg Message) (json.RawMessage, error) {
	payload := msg.Payload
	if whitelist, ok := o.cfg.FieldWhitelist[msg.Type]; ok && payload != nil {
		filtered, err := filterFields(payload, whitelist)
		if err != nil {
			return nil, err
		}
		payload = filtered
	}
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func tierIndex(priority Priority) int {
	switch priority {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// filterFields reduces a payload to the declared per-type whitelist by
// round-tripping it through a generic map.
func filterFields(payload any, whitelist []string) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, err
	}
	filtered := make(map[string]any, len(whitelist))
	for _, field := range whitelist {
		if value, present := full[field]; present {
			filtered[field] = value
		}
	}
	return filtered, nil
}
