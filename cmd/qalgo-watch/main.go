package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"qalgo-terminal/internal/common"
	"qalgo-terminal/internal/feed"
	"qalgo-terminal/internal/logging"
	"qalgo-terminal/internal/metrics"
	"qalgo-terminal/internal/poller"
	"qalgo-terminal/internal/view"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		apiBase     = flag.String("api", "http://localhost:4000", "Q-ALGO API base URL")
		wsURL       = flag.String("ws", "", "Live feed URL (default: <api>/ws/spy)")
		refresh     = flag.Duration("refresh", 2*time.Second, "Screen refresh interval")
		timeout     = flag.Duration("timeout", 5*time.Second, "HTTP request timeout")
		kill        = flag.String("kill", "", "Set the kill switch: on or off")
		alloc       = flag.Float64("alloc", -1, "Set capital allocation percent (0-100)")
		override    = flag.Bool("override", false, "Trigger a manual entry override")
		once        = flag.Bool("once", false, "Print the cards once and exit")
		metricsAddr = flag.String("metrics-addr", "", "Serve client metrics on this address (e.g. :9191)")
		logLevel    = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	logFile := logging.Setup(logging.Options{Level: *logLevel, Format: "console", Stdout: os.Stderr})
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *kill != "" || *alloc >= 0 || *override {
		if err := runControls(ctx, *apiBase, *timeout, *kill, *alloc, *override); err != nil {
			log.Fatal().Err(err).Msg("control write failed")
		}
		return
	}

	feedURL := *wsURL
	if feedURL == "" {
		u, err := feedEndpoint(*apiBase)
		if err != nil {
			log.Fatal().Err(err).Str("api", *apiBase).Msg("cannot derive live feed URL")
		}
		feedURL = u
	}

	mw := metrics.NewWrapper(metrics.New())
	if *metricsAddr != "" {
		startMetricsServer(ctx, *metricsAddr)
	}

	p := poller.New(*apiBase, *timeout, mw)
	for _, h := range view.Hooks(view.Panels) {
		if err := p.Add(h); err != nil {
			log.Fatal().Err(err).Str("hook", h.Name).Msg("invalid hook")
		}
	}
	if err := p.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("poller failed to start")
	}
	defer p.Stop()

	window := feed.NewWindow(common.FeedWindowSize)
	conn := feed.Dial(feedURL,
		feed.WithWindow(window),
		feed.WithMetrics(mw),
		feed.OnRetry(func(r feed.Retry) {
			log.Debug().Int("attempt", r.Attempt).Dur("delay", r.Delay).Msg("live feed retry scheduled")
		}),
	)
	defer conn.Close()

	clearScreen := isatty.IsTerminal(os.Stdout.Fd())
	draw := func() {
		cards := append(view.Cards(p, view.Panels), view.Live(window, conn.State()))
		if clearScreen {
			fmt.Print("\033[H\033[2J")
		}
		fmt.Printf("Q-ALGO  %s  api=%s\n\n", time.Now().Format(time.TimeOnly), *apiBase)
		if err := view.Print(os.Stdout, cards); err != nil {
			log.Error().Err(err).Msg("failed to print cards")
		}
	}

	if *once {
		// Give the immediate fetches a moment to land.
		time.Sleep(min(*timeout, time.Second))
		draw()
		return
	}

	ticker := time.NewTicker(*refresh)
	defer ticker.Stop()
	draw()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			draw()
		}
	}
}

// runControls performs the one-shot control writes requested by flags.
func runControls(ctx context.Context, base string, timeout time.Duration, kill string, alloc float64, override bool) error {
	ctl := poller.NewControl(base, timeout)

	if kill != "" {
		var on bool
		switch strings.ToLower(kill) {
		case "on", "true", "1":
			on = true
		case "off", "false", "0":
		default:
			return fmt.Errorf("kill must be on or off, got %q", kill)
		}
		if err := ctl.SetKillSwitch(ctx, on); err != nil {
			return fmt.Errorf("set kill switch: %w", err)
		}
		fmt.Printf("kill switch %s\n", map[bool]string{true: "ON", false: "OFF"}[on])
	}
	if alloc >= 0 {
		if err := ctl.SetCapitalAllocation(ctx, alloc); err != nil {
			return fmt.Errorf("set capital allocation: %w", err)
		}
		fmt.Printf("capital allocation %.0f%%\n", alloc)
	}
	if override {
		if err := ctl.TriggerOverride(ctx); err != nil {
			return fmt.Errorf("trigger override: %w", err)
		}
		fmt.Println("manual entry override sent")
	}
	return nil
}

// feedEndpoint maps the API base to its /ws/spy WebSocket URL.
func feedEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/spy"
	return u.String(), nil
}

func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}
