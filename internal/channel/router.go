// Package channel holds the transport gateways (Telegram, WhatsApp Cloud
// API, console) and the router that picks one per counterpart address.
package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"convpipe/internal/domain"
)

// Address joins a channel name and a channel-local id into a counterpart
// address such as "telegram:123456".
func Address(channel, id string) string {
	return channel + ":" + id
}

// SplitAddress is the inverse of Address. Addresses without a known-looking
// prefix return an empty channel and the address unchanged.
func SplitAddress(addr string) (channel, id string) {
	i := strings.IndexByte(addr, ':')
	if i <= 0 {
		return "", addr
	}
	name := addr[:i]
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return "", addr
		}
	}
	return name, addr[i+1:]
}

// Router is a domain.Transport that dispatches on the address prefix.
// Unprefixed addresses, and prefixes with no registered transport, go to
// the default transport with the address unchanged.
type Router struct {
	mu         sync.RWMutex
	transports map[string]domain.Transport
	fallback   string
}

func NewRouter() *Router {
	return &Router{transports: make(map[string]domain.Transport)}
}

// Register adds t under t.Name(). The first registered transport becomes
// the default until SetDefault is called.
func (r *Router) Register(t domain.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
	if r.fallback == "" {
		r.fallback = t.Name()
	}
}

func (r *Router) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[name]; !ok {
		return fmt.Errorf("default transport %q is not registered", name)
	}
	r.fallback = name
	return nil
}

// Names lists registered transports.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Name() string { return "router" }

func (r *Router) Send(ctx context.Context, counterpart, content string) (domain.DeliveryReceipt, error) {
	t, id, err := r.resolve(counterpart)
	if err != nil {
		return domain.DeliveryReceipt{}, err
	}
	return t.Send(ctx, id, content)
}

func (r *Router) resolve(counterpart string) (domain.Transport, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, id := SplitAddress(counterpart)
	if t, ok := r.transports[name]; ok && name != "" {
		return t, id, nil
	}
	t, ok := r.transports[r.fallback]
	if !ok {
		return nil, "", fmt.Errorf("no transport for %q", counterpart)
	}
	return t, counterpart, nil
}
