package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Gateway owns the platform adapters. Inbound messages from every adapter
// go to one handler; outbound messages are routed by platform.
type Gateway struct {
	mu       sync.RWMutex
	adapters map[string]GatewayAdapter
	handler  MessageHandler
	logger   *zap.Logger
}

// NewGateway creates a gateway manager.
func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		adapters: make(map[string]GatewayAdapter),
		logger:   logger,
	}
}

// SetHandler sets the callback for all inbound messages.
func (g *Gateway) SetHandler(h MessageHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Register adds an adapter. Its inbound messages are forwarded to whatever
// handler is set at delivery time; messages arriving before SetHandler are
// dropped.
func (g *Gateway) Register(adapter GatewayAdapter) {
	platform := adapter.Platform()
	adapter.OnMessage(func(msg *InboundMessage) {
		g.mu.RLock()
		h := g.handler
		g.mu.RUnlock()
		if h == nil {
			g.logger.Warn("dropping message, no handler set", zap.String("platform", platform))
			return
		}
		h(msg)
	})

	g.mu.Lock()
	if _, dup := g.adapters[platform]; dup {
		g.logger.Warn("replacing gateway adapter", zap.String("platform", platform))
	}
	g.adapters[platform] = adapter
	g.mu.Unlock()
	g.logger.Info("registered gateway adapter", zap.String("platform", platform))
}

// ConnectAll connects every adapter in platform order. A failing adapter
// does not stop the others; the failures are joined into the result.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, platform := range g.Adapters() {
		adapter, _ := g.adapter(platform)
		if err := adapter.Connect(ctx); err != nil {
			g.logger.Error("adapter connect failed", zap.String("platform", platform), zap.Error(err))
			errs = append(errs, fmt.Errorf("connect %s: %w", platform, err))
			continue
		}
		g.logger.Info("adapter connected", zap.String("platform", platform))
	}
	return errors.Join(errs...)
}

func (g *Gateway) adapter(platform string) (GatewayAdapter, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.adapters[platform]
	return a, ok
}

// Send delivers msg through the adapter of its platform.
func (g *Gateway) Send(ctx context.Context, msg *OutboundMessage) error {
	adapter, ok := g.adapter(msg.Platform)
	if !ok {
		return fmt.Errorf("no adapter for platform: %s", msg.Platform)
	}
	return adapter.Send(ctx, msg)
}

// Close disconnects every adapter and returns the joined close errors.
func (g *Gateway) Close() error {
	var errs []error
	for _, platform := range g.Adapters() {
		adapter, _ := g.adapter(platform)
		if err := adapter.Close(); err != nil {
			g.logger.Warn("adapter close failed", zap.String("platform", platform), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", platform, err))
		}
	}
	return errors.Join(errs...)
}

// Adapters returns the registered platform names in order.
func (g *Gateway) Adapters() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.adapters))
	for p := range g.adapters {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Statuses reports every adapter's connection state, ordered by platform.
func (g *Gateway) Statuses() []AdapterStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]AdapterStatus, 0, len(g.adapters))
	for _, a := range g.adapters {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
