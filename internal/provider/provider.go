// Package provider holds the outbound delivery integrations. Each provider
// serves exactly one channel; the registry resolves which provider handles
// a send, keyed by channel and name so deployments can swap integrations
// without touching dispatch.
package provider

import (
	"context"
	"fmt"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
)

// Meta carries per-send context providers may use for subject lines or logging.
type Meta struct {
	EventSlug string
	Title     string
}

// Provider delivers one rendered notification to one user over one channel.
type Provider interface {
	Name() string
	Channel() db.Channel
	Send(ctx context.Context, user *db.User, content string, meta Meta) error
}

// Registry maps channel:name keys to providers. Registration is last-wins
// so configuration can override the built-in defaults.
type Registry struct {
	providers map[string]Provider
	defaults  map[db.Channel]string
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		defaults:  make(map[db.Channel]string),
	}
}

// Register adds a provider and makes it the default for its channel.
func (r *Registry) Register(p Provider) {
	r.providers[key(p.Channel(), p.Name())] = p
	r.defaults[p.Channel()] = p.Name()
}

// Resolve returns the provider registered under channel:name. An empty name
// resolves the channel's default provider.
func (r *Registry) Resolve(channel db.Channel, name string) (Provider, error) {
	if name == "" {
		name = r.defaults[channel]
	}
	p, ok := r.providers[key(channel, name)]
	if !ok {
		return nil, apperr.New(apperr.KindProvider, "no provider for channel %s (name %q)", channel, name)
	}
	return p, nil
}

func key(channel db.Channel, name string) string {
	return fmt.Sprintf("%s:%s", channel, name)
}
