package feed

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"qalgo-terminal/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu    sync.Mutex
	ticks []Tick
}

func (c *collector) Publish(t Tick) {
	c.mu.Lock()
	c.ticks = append(c.ticks, t)
	c.mu.Unlock()
}

func (c *collector) all() []Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tick(nil), c.ticks...)
}

type skipCounter struct{ n int }

func (s *skipCounter) RecordsSkippedAdd(n int) { s.n += n }

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestSource_PublishesNewRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spy_ticks.jsonl")
	out := &collector{}
	skips := &skipCounter{}
	src := NewSource(path, time.Second, features.NewVWAP(time.Hour, 100), out, skips)

	n, err := src.Poll()
	require.NoError(t, err)
	assert.Zero(t, n, "missing file is not an error")

	appendFile(t, path, "{\"timestamp\":1700000000000,\"price\":100,\"volume\":1}\nnot json\n{\"timestamp\":1700000001000,\"price\":110,\"volume\":3}\n")
	n, err = src.Poll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, skips.n)

	ticks := out.all()
	require.Len(t, ticks, 2)
	assert.Equal(t, 100.0, ticks[0].VWAP)
	assert.InDelta(t, 107.5, ticks[1].VWAP, 1e-9, "volume weighted")

	n, err = src.Poll()
	require.NoError(t, err)
	assert.Zero(t, n, "nothing new")
}

func TestSource_KeepsProducerVWAP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	out := &collector{}
	src := NewSource(path, time.Second, features.NewVWAP(time.Hour, 10), out, nil)
	_, _ = src.Poll()

	appendFile(t, path, `{"timestamp":1700000000001,"price":100,"vwap":98.5}`+"\n")
	_, err := src.Poll()
	require.NoError(t, err)

	ticks := out.all()
	require.Len(t, ticks, 1)
	assert.Equal(t, 98.5, ticks[0].VWAP)
}

func TestSource_SkipsHistoryOnFirstPoll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	appendFile(t, path, `{"timestamp":1700000000001,"price":1}`+"\n")

	out := &collector{}
	src := NewSource(path, time.Second, nil, out, nil)
	n, err := src.Poll()
	require.NoError(t, err)
	assert.Zero(t, n)

	appendFile(t, path, `{"timestamp":1700000000002,"price":2}`+"\n")
	n, err = src.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1700000000002), out.all()[0].Timestamp)
}

func TestSource_PartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	out := &collector{}
	src := NewSource(path, time.Second, nil, out, nil)
	_, _ = src.Poll()

	appendFile(t, path, `{"timestamp":1700000000001,"pri`)
	n, err := src.Poll()
	require.NoError(t, err)
	assert.Zero(t, n)

	appendFile(t, path, `ce":5}`+"\n")
	n, err = src.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5.0, out.all()[0].Price)
}

func TestSource_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	out := &collector{}
	src := NewSource(path, time.Second, nil, out, nil)
	_, _ = src.Poll()

	appendFile(t, path, "{\"timestamp\":1700000000001,\"price\":1}\n{\"timestamp\":1700000000002,\"price\":2}\n")
	_, err := src.Poll()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"timestamp":1700000000003,"price":3}`+"\n"), 0o644))
	n, err := src.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ticks := out.all()
	require.Len(t, ticks, 3)
	assert.Equal(t, int64(1700000000003), ticks[2].Timestamp)
}

func TestSource_StampsMissingTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	out := &collector{}
	src := NewSource(path, time.Second, nil, out, nil)
	fixed := time.UnixMilli(1700000000000)
	src.now = func() time.Time { return fixed }
	_, _ = src.Poll()

	appendFile(t, path, `{"price":7}`+"\n")
	_, err := src.Poll()
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli(), out.all()[0].Timestamp)
}
