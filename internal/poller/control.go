package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	statusPath     = "/api/status"
	allocationPath = "/api/capital/allocation"
)

// Control changes the status object the trading process reads. The kill
// switch and override setters fetch the current status, change one field
// and post the whole object back; concurrent controllers resolve by last
// write. Capital allocation uses the server-side merge route.
type Control struct {
	rest *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

func NewControl(base string, timeout time.Duration) *Control {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Control{rest: resty.New().SetBaseURL(base).SetTimeout(timeout)}
}

// Status returns the current status object, empty when none was written.
func (c *Control) Status(ctx context.Context) (map[string]json.RawMessage, error) {
	resp, err := c.rest.R().SetContext(ctx).Get(statusPath)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get status: HTTP %d", resp.StatusCode())
	}
	status := map[string]json.RawMessage{}
	if err := json.Unmarshal(resp.Body(), &status); err != nil || status == nil {
		return map[string]json.RawMessage{}, nil
	}
	return status, nil
}

func (c *Control) SetKillSwitch(ctx context.Context, on bool) error {
	return c.merge(ctx, "killSwitch", on)
}

// SetCapitalAllocation sets the percentage of capital the process may use.
func (c *Control) SetCapitalAllocation(ctx context.Context, pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("capital allocation %v outside 0-100", pct)
	}
	body := map[string]float64{"capitalAllocation": pct}
	if err := c.post(ctx, allocationPath, body); err != nil {
		return err
	}
	log.Info().Float64("capitalAllocation", pct).Msg("Control write sent")
	return nil
}

// TriggerOverride asks the process to take the next entry regardless of
// its own signals.
func (c *Control) TriggerOverride(ctx context.Context) error {
	return c.merge(ctx, "overrideEntry", true)
}

func (c *Control) merge(ctx context.Context, field string, value any) error {
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	status[field] = raw

	if err := c.post(ctx, statusPath, status); err != nil {
		return err
	}
	log.Info().Str("field", field).RawJSON("value", raw).Msg("Control write sent")
	return nil
}

func (c *Control) post(ctx context.Context, path string, body any) error {
	apiErr := &apiError{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetError(apiErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("post %s: %d %s", path, resp.StatusCode(), apiErr.Error)
	}
	return nil
}
