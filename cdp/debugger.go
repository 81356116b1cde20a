// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/bureau-foundation/cdprelay/lib/clock"
	"github.com/bureau-foundation/cdprelay/lib/netutil"
	"github.com/bureau-foundation/cdprelay/transport"
	"github.com/bureau-foundation/cdprelay/upstream"
)

// ErrTargetNotFound is returned by Attach when no target matches and
// creation was not requested.
var ErrTargetNotFound = errors.New("no matching target")

// Config configures a Debugger.
type Config struct {
	// URL is either the browser WebSocket URL (ws:// or wss://) or the
	// DevTools HTTP endpoint (http://host:port), in which case the
	// WebSocket URL is discovered from /json/version.
	URL string

	// HTTPClient is used for discovery. Default has a 10s timeout.
	HTTPClient *http.Client

	// Transport configures the browser connection.
	Transport transport.Options

	// Clock timestamps pending commands. Nil means clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Debugger attaches to tabs of one browser.
type Debugger struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
}

var _ upstream.Debugger = (*Debugger)(nil)

// New creates a Debugger. No connection is made until Attach.
func New(config Config) *Debugger {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Transport.Logger == nil {
		config.Transport.Logger = logger
	}
	return &Debugger{config: config, clock: clk, logger: logger}
}

// VersionInfo is the browser's /json/version document.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Version fetches /json/version from the HTTP endpoint.
func (d *Debugger) Version(ctx context.Context) (VersionInfo, error) {
	endpoint := strings.TrimSuffix(d.config.URL, "/") + "/json/version"
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return VersionInfo{}, err
	}
	response, err := d.config.HTTPClient.Do(request)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("fetching %s: %w", endpoint, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("fetching %s: %s: %s", endpoint, response.Status, netutil.ErrorBody(response.Body))
	}
	var info VersionInfo
	if err := netutil.DecodeResponse(response.Body, &info); err != nil {
		return VersionInfo{}, fmt.Errorf("fetching %s: %w", endpoint, err)
	}
	if info.WebSocketDebuggerURL == "" {
		return VersionInfo{}, fmt.Errorf("%s has no webSocketDebuggerUrl", endpoint)
	}
	return info, nil
}

func (d *Debugger) browserURL(ctx context.Context) (string, error) {
	if strings.HasPrefix(d.config.URL, "ws://") || strings.HasPrefix(d.config.URL, "wss://") {
		return d.config.URL, nil
	}
	info, err := d.Version(ctx)
	if err != nil {
		return "", err
	}
	d.logger.Debug("discovered browser endpoint", "browser", info.Browser, "url", info.WebSocketDebuggerURL)
	return info.WebSocketDebuggerURL, nil
}

type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	URL      string `json:"url"`
}

// Attach implements upstream.Debugger.
func (d *Debugger) Attach(ctx context.Context, target upstream.TargetDescriptor) (upstream.Native, error) {
	url, err := d.browserURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, url, d.config.Transport)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	tab := newTab(conn, d.clock, d.logger)

	targetID, err := tab.resolve(ctx, target)
	if err != nil {
		tab.shutdown(nil)
		return nil, err
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := tab.roundTrip(ctx, "", "Target.attachToTarget", map[string]any{"targetId": targetID, "flatten": true}, &attached); err != nil {
		tab.shutdown(nil)
		return nil, fmt.Errorf("attaching to target %s: %w", targetID, err)
	}

	var described struct {
		TargetInfo json.RawMessage `json:"targetInfo"`
	}
	if err := tab.roundTrip(ctx, "", "Target.getTargetInfo", map[string]any{"targetId": targetID}, &described); err != nil {
		tab.shutdown(nil)
		return nil, fmt.Errorf("describing target %s: %w", targetID, err)
	}

	tab.attached(attached.SessionID, targetID, described.TargetInfo)
	d.logger.Info("attached to tab", "target_id", targetID, "native_session_id", attached.SessionID)
	return tab, nil
}

// resolve picks the target to attach to, creating it when asked.
func (t *Tab) resolve(ctx context.Context, target upstream.TargetDescriptor) (string, error) {
	var listed struct {
		TargetInfos []targetInfo `json:"targetInfos"`
	}
	if err := t.roundTrip(ctx, "", "Target.getTargets", nil, &listed); err != nil {
		return "", fmt.Errorf("listing targets: %w", err)
	}

	pages := lo.Filter(listed.TargetInfos, func(info targetInfo, _ int) bool { return info.Type == "page" })
	var match targetInfo
	var found bool
	switch {
	case target.TargetID != "":
		match, found = lo.Find(listed.TargetInfos, func(info targetInfo) bool { return info.TargetID == target.TargetID })
	case target.URL != "":
		match, found = lo.Find(pages, func(info targetInfo) bool { return info.URL == target.URL })
	default:
		match, found = lo.First(pages)
	}
	if found {
		return match.TargetID, nil
	}
	if !target.Create {
		return "", fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}

	url := target.URL
	if url == "" {
		url = "about:blank"
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := t.roundTrip(ctx, "", "Target.createTarget", map[string]any{"url": url}, &created); err != nil {
		return "", fmt.Errorf("creating target at %s: %w", url, err)
	}
	return created.TargetID, nil
}
