package lease

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type item struct {
	id       string
	length   int
	received time.Time
}

func (i *item) AckID() string       { return i.id }
func (i *item) Length() int         { return i.length }
func (i *item) Received() time.Time { return i.received }

type signals struct {
	full, free int
}

func (s *signals) Full() { s.full++ }
func (s *signals) Free() { s.free++ }

func newItem(n, length int) *item {
	return &item{id: fmt.Sprintf("ack-%d", n), length: length, received: time.Now()}
}

func TestAddRemoveTotals(t *testing.T) {
	m := New[*item](DefaultOptions(), nil, zaptest.NewLogger(t))

	a, b := newItem(1, 10), newItem(2, 32)
	require.True(t, m.Add(a))
	require.True(t, m.Add(b))
	require.False(t, m.Add(a), "an item is counted at most once")

	assert.Equal(t, 2, m.Size())
	assert.Equal(t, 42, m.Bytes())

	require.True(t, m.Remove(a))
	require.False(t, m.Remove(a))
	assert.Equal(t, 1, m.Size())
	assert.Equal(t, 32, m.Bytes())
}

func TestFullAndFreeByCount(t *testing.T) {
	s := &signals{}
	m := New[*item](Options{MaxMessages: 2, MaxBytes: 1 << 20}, s, zaptest.NewLogger(t))

	items := []*item{newItem(1, 1), newItem(2, 1), newItem(3, 1)}
	m.Add(items[0])
	assert.Zero(t, s.full)

	m.Add(items[1])
	assert.Equal(t, 1, s.full)
	assert.True(t, m.IsFull())

	m.Add(items[2])
	assert.Equal(t, 1, s.full, "full fires once per transition")

	m.Remove(items[2])
	assert.Zero(t, s.free, "still at threshold")

	m.Remove(items[1])
	assert.Equal(t, 1, s.free)
	assert.False(t, m.IsFull())

	m.Remove(items[0])
	assert.Equal(t, 1, s.free, "free fires once per transition")
}

func TestFullAndFreeByBytes(t *testing.T) {
	s := &signals{}
	m := New[*item](Options{MaxMessages: 100, MaxBytes: 100}, s, zaptest.NewLogger(t))

	big := newItem(1, 100)
	m.Add(big)
	assert.Equal(t, 1, s.full)

	m.Remove(big)
	assert.Equal(t, 1, s.free)
}

func TestBothThresholdsClearOnce(t *testing.T) {
	s := &signals{}
	m := New[*item](Options{MaxMessages: 1, MaxBytes: 10}, s, zaptest.NewLogger(t))

	it := newItem(1, 10)
	m.Add(it)
	require.Equal(t, 1, s.full)

	m.Remove(it)
	assert.Equal(t, 1, s.free)
}

func TestSetOptionsReevaluates(t *testing.T) {
	s := &signals{}
	m := New[*item](DefaultOptions(), s, zaptest.NewLogger(t))
	for i := range 5 {
		m.Add(newItem(i, 1))
	}
	require.Zero(t, s.full)

	m.SetOptions(Options{MaxMessages: 5, MaxBytes: 1 << 20})
	assert.Equal(t, 1, s.full)

	m.SetOptions(Options{MaxMessages: 5, MaxBytes: 1 << 20})
	assert.Equal(t, 1, s.full)

	m.SetOptions(DefaultOptions())
	assert.Equal(t, 1, s.free)
}

func TestClear(t *testing.T) {
	s := &signals{}
	m := New[*item](Options{MaxMessages: 2, MaxBytes: 1 << 20}, s, zaptest.NewLogger(t))
	a, b := newItem(1, 3), newItem(2, 4)
	m.Add(a)
	m.Add(b)

	got := m.Clear()
	assert.ElementsMatch(t, []*item{a, b}, got)
	assert.Zero(t, m.Size())
	assert.Zero(t, m.Bytes())
	assert.Equal(t, 1, s.free)
	assert.Empty(t, m.Clear())
}

func TestExtendDropsExpired(t *testing.T) {
	m := New[*item](Options{MaxMessages: 10, MaxBytes: 100, MaxExtension: time.Minute}, nil, zaptest.NewLogger(t))

	now := time.Now()
	fresh := &item{id: "fresh", length: 5, received: now.Add(-time.Second)}
	stale := &item{id: "stale", length: 7, received: now.Add(-2 * time.Minute)}
	m.Add(fresh)
	m.Add(stale)

	extend, expired := m.Extend(now)
	assert.Equal(t, []*item{fresh}, extend)
	assert.Equal(t, []*item{stale}, expired)
	assert.Equal(t, 1, m.Size())
	assert.Equal(t, 5, m.Bytes())
}
