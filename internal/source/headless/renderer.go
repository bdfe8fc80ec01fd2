// Package headless renders pages through a real browser for sources that
// serve interstitials or JavaScript-gated markup to plain HTTP clients.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Config controls the renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Result is a rendered document.
type Result struct {
	Body     []byte
	Status   int
	FinalURL string
}

// Renderer drives headless Chrome via chromedp. One allocator is shared by
// all renders; MaxParallel bounds concurrent browser tabs.
type Renderer struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Renderer with its own browser allocator.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Renderer{
		cfg:         cfg,
		slots:       make(chan struct{}, cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close tears down the browser allocator.
func (r *Renderer) Close() { r.allocCancel() }

// Render navigates to pageURL and returns the settled DOM.
func (r *Renderer) Render(ctx context.Context, pageURL string) (Result, error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
	defer func() { <-r.slots }()

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancel()

	status := 0
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && resp.Response != nil {
				status = int(resp.Response.Status)
			}
		}
	})

	var html, finalURL string
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(cctx context.Context) error {
			if err := network.Enable().Do(cctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if r.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(cctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return Result{}, fmt.Errorf("chromedp run: %w", err)
	}
	if status == 0 {
		status = 200
	}
	if finalURL == "" {
		finalURL = pageURL
	}
	return Result{Body: []byte(html), Status: status, FinalURL: finalURL}, nil
}
