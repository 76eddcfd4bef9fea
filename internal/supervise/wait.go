package supervise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// ErrExtensionNotConnected means the extension never reported a page before
// the deadline; the human has not clicked the extension yet.
var ErrExtensionNotConnected = errors.New("browser extension not connected")

// ExtensionStatus mirrors the relay's /extension-status snapshot.
type ExtensionStatus struct {
	Connected bool `json:"connected"`
	PageCount int  `json:"pageCount"`
	Pages     []struct {
		TargetID string `json:"targetId"`
		URL      string `json:"url"`
		Title    string `json:"title"`
	} `json:"pages"`
}

// WaitOptions configures WaitForExtension.
type WaitOptions struct {
	Host         string // default 127.0.0.1
	Port         int
	PollInterval time.Duration // default 500ms
	Timeout      time.Duration // default 60s
}

// FetchStatus reads the extension status once.
func FetchStatus(ctx context.Context, baseURL string, timeout time.Duration) (*ExtensionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/extension-status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extension-status returned %d", resp.StatusCode)
	}
	var status ExtensionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitForExtension blocks until the relay reports a connected extension with
// at least one page, or the deadline passes. The human-gated step: someone
// has to click the extension on a tab.
func WaitForExtension(ctx context.Context, opts WaitOptions) (*ExtensionStatus, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("port required, got %d", opts.Port)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	baseURL := fmt.Sprintf("http://%s:%d", opts.Host, opts.Port)

	var status *ExtensionStatus
	attempts := uint(opts.Timeout/opts.PollInterval) + 1
	err := retry.New(
		retry.Attempts(attempts),
		retry.Delay(opts.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		s, err := FetchStatus(ctx, baseURL, defaultProbeTimeout)
		if err != nil {
			return err
		}
		if !s.Connected || s.PageCount == 0 {
			return fmt.Errorf("connected=%v pages=%d", s.Connected, s.PageCount)
		}
		status = s
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w on port %d", ErrExtensionNotConnected, opts.Port)
	}
	return status, nil
}
