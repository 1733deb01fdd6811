package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/sirupsen/logrus"
)

// DevToolsSource taps the console of a page in an already running browser,
// which the runner launches with a remote debugging port. The in-browser
// support code logs every event as prefix + JSON envelope.
type DevToolsSource struct {
	log       logrus.FieldLogger
	url       string
	prefix    string
	targetURL string
}

var _ Source = (*DevToolsSource)(nil)

// NewDevToolsSource connects to the DevTools endpoint at url. targetURL
// selects the page whose URL contains it; empty selects the first page.
func NewDevToolsSource(log logrus.FieldLogger, url, prefix, targetURL string) *DevToolsSource {
	return &DevToolsSource{
		log:       log.WithFields(logrus.Fields{"component": "devtools-source", "url": url}),
		url:       url,
		prefix:    prefix,
		targetURL: targetURL,
	}
}

// Run attaches to the page and delivers events until ctx is done or the
// page goes away.
func (s *DevToolsSource) Run(ctx context.Context, handle Handler) error {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, s.url)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	if err := chromedp.Run(browserCtx); err != nil {
		return fmt.Errorf("connecting to devtools at %s: %w", s.url, err)
	}

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return fmt.Errorf("listing targets: %w", err)
	}

	info := pickTarget(targets, s.targetURL, chromedp.FromContext(browserCtx).Target.TargetID)
	if info == nil {
		return fmt.Errorf("no page target matching %q", s.targetURL)
	}

	pageCtx, pageCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(info.TargetID))
	defer pageCancel()

	// The listener runs on the connection's read loop, so it hands messages
	// off without blocking and the handler drains them in order.
	messages := newMessageQueue()

	chromedp.ListenTarget(pageCtx, func(ev any) {
		msg, ok := ev.(*runtime.EventConsoleAPICalled)
		if !ok || len(msg.Args) == 0 || msg.Args[0] == nil {
			return
		}

		messages.push([]byte(msg.Args[0].Value))
	})

	if err := chromedp.Run(pageCtx, runtime.Enable()); err != nil {
		return fmt.Errorf("enabling runtime domain: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"target_id": info.TargetID,
		"page":      info.URL,
	}).Info("Attached to page")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pageCtx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}

			s.log.Info("Page detached")

			return nil
		case <-messages.ready():
			for _, raw := range messages.drain() {
				if err := s.deliver(ctx, raw, handle); err != nil {
					return err
				}
			}
		}
	}
}

func (s *DevToolsSource) deliver(ctx context.Context, raw []byte, handle Handler) error {
	env, ok, err := parseConsoleMessage(raw, s.prefix)
	if err != nil {
		s.log.WithError(err).Warn("Skipping malformed console event")

		return nil
	}

	if !ok {
		return nil
	}

	return handle(ctx, env)
}

// pickTarget returns the first page target whose URL contains match,
// skipping the tab the connection itself opened.
func pickTarget(targets []*target.Info, match string, own target.ID) *target.Info {
	for _, t := range targets {
		if t.Type != "page" || t.TargetID == own {
			continue
		}

		if match == "" || strings.Contains(t.URL, match) {
			return t
		}
	}

	return nil
}

// parseConsoleMessage extracts an envelope from the JSON encoded first
// argument of a console call. Messages without the prefix are ignored.
func parseConsoleMessage(raw []byte, prefix string) (*events.Envelope, bool, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		// Not a string argument.
		return nil, false, nil
	}

	rest, ok := strings.CutPrefix(text, prefix)
	if !ok {
		return nil, false, nil
	}

	env, err := events.ParseEnvelope([]byte(strings.TrimSpace(rest)))
	if err != nil {
		return nil, false, err
	}

	return env, true, nil
}
