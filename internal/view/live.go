package view

import (
	"fmt"
	"time"

	"qalgo-terminal/internal/feed"
)

const LiveTitle = "SPY Live"

// Live summarizes the rolling tick window and the feed connection state.
func Live(w *feed.Window, state feed.State) Card {
	return guard(LiveTitle, func() Card {
		ticks := w.Ticks()
		if len(ticks) == 0 {
			if state == feed.StatePendingRetry {
				return Card{Title: LiveTitle, Lines: []string{"Error loading " + LiveTitle, "feed: " + state.String()}}
			}
			return Card{Title: LiveTitle, Lines: []string{"Loading " + LiveTitle + "…", "feed: " + state.String()}}
		}

		last := ticks[len(ticks)-1]
		low, high := last.Price, last.Price
		var entries, exits int
		for _, t := range ticks {
			low = min(low, t.Price)
			high = max(high, t.Price)
			for _, m := range t.Markers {
				switch m.Type {
				case feed.MarkerEntry:
					entries++
				case feed.MarkerExit:
					exits++
				}
			}
		}

		return Card{Title: LiveTitle, Lines: []string{
			fmt.Sprintf("Last: %.2f  VWAP: %.2f", last.Price, last.VWAP),
			fmt.Sprintf("Range: %.2f - %.2f over %d ticks", low, high, len(ticks)),
			fmt.Sprintf("Markers: %d entries, %d exits", entries, exits),
			"Updated: " + last.Time().Local().Format(time.TimeOnly),
			"feed: " + state.String(),
		}}
	})
}
