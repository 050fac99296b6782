package metrics

import (
	"strconv"
	"time"
)

// MetricsWrapper adapts Metrics to the small per-package interfaces the
// feed, api, poller and scheduler packages declare, so none of them import
// prometheus directly.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// HTTP

func (w *MetricsWrapper) ObserveRequest(route, method string, code int, d time.Duration) {
	w.m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	w.m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
	if code >= 500 {
		w.m.ErrorsTotal.Inc()
	}
}

// Live feed

func (w *MetricsWrapper) ClientsSet(n int) { w.m.FeedClients.Set(float64(n)) }
func (w *MetricsWrapper) BroadcastInc()    { w.m.FeedBroadcasts.Inc() }
func (w *MetricsWrapper) ReconnectInc()    { w.m.FeedReconnects.Inc() }
func (w *MetricsWrapper) MessageInc()      { w.m.FeedMessages.Inc() }

func (w *MetricsWrapper) ParseErrorInc() {
	w.m.FeedParseErrors.Inc()
	w.m.ErrorsTotal.Inc()
}

// Resources

func (w *MetricsWrapper) StoreReadErrorInc() {
	w.m.StoreReadErrors.Inc()
	w.m.ErrorsTotal.Inc()
}

func (w *MetricsWrapper) RecordsSkippedAdd(n int) {
	if n > 0 {
		w.m.RecordsSkipped.Add(float64(n))
	}
}

func (w *MetricsWrapper) ControlWriteInc(resource string) {
	w.m.ControlWrites.WithLabelValues(resource).Inc()
}

func (w *MetricsWrapper) ResourceAgeSet(resource string, age time.Duration) {
	w.m.ResourceAge.WithLabelValues(resource).Set(age.Seconds())
}

// Poller

func (w *MetricsWrapper) PollErrorInc(hook string) {
	w.m.PollErrors.WithLabelValues(hook).Inc()
	w.m.ErrorsTotal.Inc()
}
