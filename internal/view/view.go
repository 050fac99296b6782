// Package view renders the terminal's dashboard cards as plain text lines.
//
// Formatters are pure functions of a polled payload. Render wraps them so
// a card is never blank and never takes the terminal down: it shows
// "Loading <card>…" until data arrives, "Error loading <card>" when the
// fetch or decode failed, and the generic fallback message if a formatter
// panics.
package view

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"qalgo-terminal/internal/common"
	"qalgo-terminal/internal/poller"

	"github.com/rs/zerolog/log"
)

// Card is one rendered panel.
type Card struct {
	Title string
	Lines []string
}

func (c Card) String() string {
	var sb strings.Builder
	sb.WriteString("== " + c.Title + " ==\n")
	for _, l := range c.Lines {
		sb.WriteString("  " + l + "\n")
	}
	return sb.String()
}

// Formatter turns a payload into card lines.
type Formatter func(payload json.RawMessage) ([]string, error)

// Source is where cards read payloads from; *poller.Poller satisfies it.
type Source interface {
	Latest(name string) (json.RawMessage, error)
}

// Panel binds a card title to a polling hook and its formatter.
type Panel struct {
	Title    string
	Hook     string
	Path     string
	Interval time.Duration
	Format   Formatter
}

// Panels are the cards of the dashboard, polled at the dashboard's rates.
var Panels = []Panel{
	{Title: "Capital Panel", Hook: "account", Path: "/api/account/summary", Interval: 15 * time.Second, Format: Capital},
	{Title: "Mesh Panel", Hook: "mesh", Path: "/api/mesh/status", Interval: 10 * time.Second, Format: Mesh},
	{Title: "GPT Panel", Hook: "entry", Path: "/api/models/entry/latest", Interval: 10 * time.Second, Format: GPT},
	{Title: "system status", Hook: "runtime", Path: "/api/system/runtime", Interval: 10 * time.Second, Format: SystemStatus},
	{Title: "Controls", Hook: "status", Path: "/api/status", Interval: 5 * time.Second, Format: Controls},
	{Title: "Reinforcement Summary", Hook: "reinforcement", Path: "/api/gpt/reinforcement", Interval: 20 * time.Second, Format: Reinforcement},
	{Title: "Trade Log", Hook: "trades", Path: "/api/trades/recent", Interval: 15 * time.Second, Format: Trades},
}

// Hooks returns the polling hooks for panels.
func Hooks(panels []Panel) []poller.Hook {
	hooks := make([]poller.Hook, 0, len(panels))
	for _, p := range panels {
		hooks = append(hooks, poller.Hook{Name: p.Hook, Path: p.Path, Interval: p.Interval})
	}
	return hooks
}

// Cards renders every panel from src.
func Cards(src Source, panels []Panel) []Card {
	cards := make([]Card, 0, len(panels))
	for _, p := range panels {
		payload, err := src.Latest(p.Hook)
		cards = append(cards, Render(p.Title, payload, err, p.Format))
	}
	return cards
}

// Render formats payload under title. A stale payload is preferred over a
// fetch error.
func Render(title string, payload json.RawMessage, fetchErr error, format Formatter) Card {
	return guard(title, func() Card {
		if payload == nil {
			if fetchErr != nil {
				return Card{Title: title, Lines: []string{"Error loading " + title}}
			}
			return Card{Title: title, Lines: []string{"Loading " + title + "…"}}
		}
		lines, err := format(payload)
		if err != nil {
			log.Debug().Err(err).Str("card", title).Msg("Card payload did not decode")
			return Card{Title: title, Lines: []string{"Error loading " + title}}
		}
		return Card{Title: title, Lines: lines}
	})
}

// Print writes cards to w separated by blank lines.
func Print(w io.Writer, cards []Card) error {
	for _, c := range cards {
		if _, err := fmt.Fprintln(w, c.String()); err != nil {
			return err
		}
	}
	return nil
}

func guard(title string, fn func() Card) (card Card) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("card", title).Msg("Recovered from card render panic")
			card = Card{Title: title, Lines: []string{common.ErrMsgFallback}}
		}
	}()
	return fn()
}
