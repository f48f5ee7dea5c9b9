package loginproxy

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
)

var ErrChainClosed = errors.New("login proxy chain is closed")

// Chain owns the registered proxies, at most one per client type and one
// default.
type Chain struct {
	mu      sync.RWMutex
	proxies map[string]Proxy
	closed  bool
	logger  log.Log
}

func NewChain(logger log.Log) *Chain {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Chain{
		proxies: make(map[string]Proxy),
		logger:  logger.With(log.String("component", "login_proxy_chain")),
	}
}

// Register adds p under its client type. A scope that already has an owner
// keeps it and the call fails with errs.ErrConfiguration.
func (c *Chain) Register(p Proxy) error {
	if p == nil {
		return errs.InvalidArgument("nil login proxy")
	}
	scope := p.ClientType()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errs.Configuration("registering login proxy", ErrChainClosed)
	}
	if _, exists := c.proxies[scope]; exists {
		return errs.Configuration(fmt.Sprintf("login proxy already registered for %s", describe(scope)), nil).
			WithContext("client_type", scope)
	}
	c.proxies[scope] = p

	c.logger.Info("Login proxy registered", log.String("client_type", describe(scope)))
	return nil
}

// Select returns the proxy for clientType, falling back to the default
// proxy. It returns nil when neither exists, and ErrChainClosed once the
// chain is closed.
func (c *Chain) Select(clientType string) (Proxy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrChainClosed
	}
	if p, ok := c.proxies[clientType]; ok {
		return p, nil
	}
	return c.proxies[DefaultScope], nil
}

// ClientTypes lists the scoped client types, sorted, without the default.
func (c *Chain) ClientTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	types := make([]string, 0, len(c.proxies))
	for scope := range c.proxies {
		if scope != DefaultScope {
			types = append(types, scope)
		}
	}
	slices.Sort(types)
	return types
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.proxies)
}

// Close closes every registered proxy exactly once. A failing proxy does not
// prevent the others from being closed; the failures are joined.
func (c *Chain) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	proxies := c.proxies
	c.proxies = make(map[string]Proxy)
	c.mu.Unlock()

	var closeErrs []error
	for scope, p := range proxies {
		if err := closeProxy(p); err != nil {
			c.logger.Error("Login proxy close failed", log.String("client_type", describe(scope)), log.Error(err))
			closeErrs = append(closeErrs, fmt.Errorf("closing login proxy for %s: %w", describe(scope), err))
		}
	}
	return errors.Join(closeErrs...)
}

func closeProxy(p Proxy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Close()
}

func describe(scope string) string {
	if scope == DefaultScope {
		return "default scope"
	}
	return "client type " + scope
}
