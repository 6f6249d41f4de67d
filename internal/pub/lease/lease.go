// Package lease tracks the messages a subscriber holds and applies flow control
// to them.
package lease

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Item is a leasable delivery.
type Item interface {
	AckID() string
	// Length is the size in bytes charged against MaxBytes. It must not change while leased.
	Length() int
	Received() time.Time
}

// Listener receives the flow-control transitions of a Manager. It is called
// with the Manager's lock held and must not call back into the Manager.
type Listener interface {
	// Full fires once when the inventory reaches a threshold.
	Full()
	// Free fires once when a full inventory drops back under both thresholds.
	Free()
}

// Options are the flow-control thresholds.
type Options struct {
	MaxMessages int `env:"MAX_MESSAGES" envDefault:"1000"`
	MaxBytes    int `env:"MAX_BYTES" envDefault:"104857600"`
	// MaxExtension bounds how long a lease is extended without the message being handled.
	MaxExtension time.Duration `env:"MAX_EXTENSION" envDefault:"60m"`
}

func DefaultOptions() Options {
	return Options{
		MaxMessages:  1000,
		MaxBytes:     100 * 1024 * 1024,
		MaxExtension: time.Hour,
	}
}

// Manager is the set of leased items with running count and byte totals.
type Manager[M Item] struct {
	mu       sync.Mutex
	opts     Options
	listener Listener
	logger   *zap.Logger

	items map[string]M
	bytes int
	full  bool
}

// New creates an empty Manager. A nil listener is allowed.
func New[M Item](opts Options, listener Listener, logger *zap.Logger) *Manager[M] {
	if listener == nil {
		listener = nopListener{}
	}

	return &Manager[M]{
		opts:     opts,
		listener: listener,
		logger:   logger.Named("lease"),
		items:    make(map[string]M),
	}
}

// Add leases item. It returns false when the item is already leased.
func (m *Manager[M]) Add(item M) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := item.AckID()
	if _, ok := m.items[id]; ok {
		return false
	}

	m.items[id] = item
	m.bytes += item.Length()
	m.transition()

	return true
}

// Remove releases item. It returns false when the item was not leased.
func (m *Manager[M]) Remove(item M) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := item.AckID()
	held, ok := m.items[id]
	if !ok {
		return false
	}

	m.drop(id, held)
	m.transition()

	return true
}

// Clear releases every item and returns them.
func (m *Manager[M]) Clear() []M {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]M, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}

	clear(m.items)
	m.bytes = 0
	m.transition()

	return items
}

// Extend splits the leased items into those whose lease should be extended and
// those held longer than MaxExtension. Expired items are released.
func (m *Manager[M]) Extend(now time.Time) (extend, expired []M) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, item := range m.items {
		if m.opts.MaxExtension > 0 && now.Sub(item.Received()) > m.opts.MaxExtension {
			expired = append(expired, item)
			m.drop(id, item)
			continue
		}
		extend = append(extend, item)
	}

	if len(expired) > 0 {
		m.logger.Debug("dropped expired leases", zap.Int("count", len(expired)))
		m.transition()
	}

	return extend, expired
}

// SetOptions replaces the thresholds and re-evaluates the full state.
func (m *Manager[M]) SetOptions(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.opts = opts
	m.transition()
}

// Size is the number of leased items.
func (m *Manager[M]) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Bytes is the cumulative length of the leased items.
func (m *Manager[M]) Bytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// IsFull reports whether a threshold is reached.
func (m *Manager[M]) IsFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}

func (m *Manager[M]) drop(id string, item M) {
	delete(m.items, id)
	m.bytes -= item.Length()
}

// transition must be called with mu held.
func (m *Manager[M]) transition() {
	full := m.exceeded()
	switch {
	case full && !m.full:
		m.full = true
		m.logger.Debug("inventory full", zap.Int("messages", len(m.items)), zap.Int("bytes", m.bytes))
		m.listener.Full()
	case !full && m.full:
		m.full = false
		m.logger.Debug("inventory free", zap.Int("messages", len(m.items)), zap.Int("bytes", m.bytes))
		m.listener.Free()
	}
}

func (m *Manager[M]) exceeded() bool {
	if m.opts.MaxMessages > 0 && len(m.items) >= m.opts.MaxMessages {
		return true
	}
	return m.opts.MaxBytes > 0 && m.bytes >= m.opts.MaxBytes
}

type nopListener struct{}

func (nopListener) Full() {}
func (nopListener) Free() {}
