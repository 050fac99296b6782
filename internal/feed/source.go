package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"qalgo-terminal/internal/features"

	"github.com/rs/zerolog/log"
)

// Publisher receives ticks read by a Source.
type Publisher interface {
	Publish(t Tick)
}

// SourceMetrics is the subset of metrics.MetricsWrapper a Source reports to.
type SourceMetrics interface {
	RecordsSkippedAdd(n int)
}

type nopSourceMetrics struct{}

func (nopSourceMetrics) RecordsSkippedAdd(int) {}

// Source tails the tick JSON-Lines file written by the trading process and
// publishes every new well-formed record. Records without a vwap get one
// from the rolling calculator.
type Source struct {
	path     string
	interval time.Duration
	vwap     *features.VWAP
	out      Publisher
	metrics  SourceMetrics
	now      func() time.Time

	offset  int64 // -1 until the first poll
	partial []byte
}

func NewSource(path string, interval time.Duration, vwap *features.VWAP, out Publisher, m SourceMetrics) *Source {
	if m == nil {
		m = nopSourceMetrics{}
	}
	return &Source{
		path:     path,
		interval: interval,
		vwap:     vwap,
		out:      out,
		metrics:  m,
		now:      time.Now,
		offset:   -1,
	}
}

// Run polls until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	log.Info().Str("path", s.path).Dur("interval", s.interval).Msg("Tailing tick file")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Poll(); err != nil {
			log.Warn().Err(err).Str("path", s.path).Msg("Tick file poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll publishes the complete lines appended since the previous call and
// returns how many ticks went out. The first call on an existing file only
// records its size, so history is not replayed. A shrunken file is read
// again from the start.
func (s *Source) Poll() (int, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.offset, s.partial = 0, nil
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat tick file: %w", err)
	}

	if s.offset < 0 {
		s.offset = info.Size()
		return 0, nil
	}
	if info.Size() < s.offset {
		log.Info().Str("path", s.path).Int64("offset", s.offset).Int64("size", info.Size()).Msg("Tick file truncated, rewinding")
		s.offset, s.partial = 0, nil
	}
	if info.Size() == s.offset {
		return 0, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return 0, fmt.Errorf("open tick file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek tick file: %w", err)
	}
	chunk, err := io.ReadAll(io.LimitReader(f, info.Size()-s.offset))
	if err != nil {
		return 0, fmt.Errorf("read tick file: %w", err)
	}
	s.offset += int64(len(chunk))

	data := append(s.partial, chunk...)
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		s.partial = data
		return 0, nil
	}
	s.partial = append([]byte(nil), data[end+1:]...)

	sent, bad := 0, 0
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		tick, err := ParseTick(line)
		if err != nil {
			bad++
			continue
		}
		s.out.Publish(s.enrich(tick))
		sent++
	}
	if bad > 0 {
		s.metrics.RecordsSkippedAdd(bad)
		log.Debug().Int("skipped", bad).Str("path", s.path).Msg("Skipped malformed tick records")
	}
	return sent, nil
}

func (s *Source) enrich(t Tick) Tick {
	if t.Timestamp == 0 {
		t.Timestamp = s.now().UnixMilli()
	}
	if s.vwap == nil {
		return t
	}
	s.vwap.Add(t.Price, t.Volume, t.Time())
	if t.VWAP == 0 {
		t.VWAP = s.vwap.Calc()
	}
	return t
}
