package features

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestVWAP_NewVWAP(t *testing.T) {
	t.Parallel()

	v := NewVWAP(time.Minute, 10)
	if v == nil {
		t.Fatal("NewVWAP returned nil for valid inputs")
	}
	if v.win != time.Minute {
		t.Errorf("Expected window %v, got %v", time.Minute, v.win)
	}
	if v.ring.Len() != 10 {
		t.Errorf("Expected ring length %d, got %d", 10, v.ring.Len())
	}

	v = NewVWAP(time.Minute, 0)
	if v.ring.Len() != 1 {
		t.Errorf("Expected ring length 1 for zero size, got %d", v.ring.Len())
	}
}

func TestVWAP_Empty(t *testing.T) {
	t.Parallel()

	if value := NewVWAP(time.Minute, 10).Calc(); value != 0 {
		t.Errorf("Expected zero VWAP for empty ring, got %f", value)
	}
}

func TestVWAP_Weighted(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	v := NewVWAP(time.Minute, 10)
	v.Add(100, 1, now)
	v.Add(110, 3, now.Add(time.Second))

	value := v.Calc()
	if want := (100*1 + 110*3) / 4.0; math.Abs(value-want) > 1e-9 {
		t.Errorf("Expected VWAP %f, got %f", want, value)
	}
}

func TestVWAP_DefaultVolume(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	v := NewVWAP(time.Minute, 10)
	v.Add(100, 0, now)
	v.Add(200, -5, now)

	if value := v.Calc(); value != 150 {
		t.Errorf("Expected unweighted mean 150, got %f", value)
	}
}

func TestVWAP_IgnoresInvalidPrices(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	v := NewVWAP(time.Minute, 10)
	v.Add(math.NaN(), 1, now)
	v.Add(math.Inf(1), 1, now)
	v.Add(-1, 1, now)
	v.Add(42, 1, now)

	if value := v.Calc(); value != 42 {
		t.Errorf("Expected 42, got %f", value)
	}
}

func TestVWAP_WindowExpiry(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	v := NewVWAP(10*time.Second, 10)
	v.Add(100, 1, start)
	v.Add(200, 1, start.Add(30*time.Second))

	if value := v.Calc(); value != 200 {
		t.Errorf("Expected old sample to fall out of the window, got %f", value)
	}
}

func TestVWAP_RingEviction(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	v := NewVWAP(time.Hour, 2)
	v.Add(10, 1, now)
	v.Add(20, 1, now)
	v.Add(30, 1, now)

	if value := v.Calc(); value != 25 {
		t.Errorf("Expected only the two newest samples, got %f", value)
	}
}

func TestVWAP_Concurrent(t *testing.T) {
	t.Parallel()

	now := time.Now()
	v := NewVWAP(time.Minute, 100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.Add(100+float64(i), 1, now)
				v.Calc()
			}
		}(i)
	}
	wg.Wait()

	value := v.Calc()
	if value < 100 || value > 109 {
		t.Errorf("VWAP out of range after concurrent use: %f", value)
	}
}
