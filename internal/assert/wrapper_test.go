package assert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kode4food/stalwart/internal/config"
	"github.com/kode4food/stalwart/pkg/api"
)

type mapGetter struct {
	flows map[api.StoredID]*api.StoredFlow
	err   error
}

func (g *mapGetter) GetFunction(
	_ context.Context, id api.StoredID,
) (*api.StoredFlow, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.flows[id], nil
}

func TestNew(t *testing.T) {
	wrapper := New(t)

	if wrapper.T != t {
		t.Error("Wrapper.T should be set to the testing.T instance")
	}
	if wrapper.Assertions == nil {
		t.Error("Wrapper.Assertions should be initialized")
	}
}

func TestFlowStatus(t *testing.T) {
	id := api.StoredID{Type: 1, Instance: "a"}
	get := &mapGetter{flows: map[api.StoredID]*api.StoredFlow{
		id: {ID: id, Status: api.StatusPostponed, Epoch: 2},
	}}

	w := New(t)
	f := w.FlowStatus(get, id, api.StatusPostponed, 2)
	w.NotNil(f)
}

func TestEventuallyFlowStatus(t *testing.T) {
	id := api.StoredID{Type: 1, Instance: "a"}
	flow := &api.StoredFlow{ID: id, Status: api.StatusExecuting}
	get := &mapGetter{flows: map[api.StoredID]*api.StoredFlow{id: flow}}

	calls := 0
	w := New(t)
	w.Eventually(func() bool {
		calls++
		if calls == 2 {
			get.flows[id] = &api.StoredFlow{
				ID: id, Status: api.StatusSucceeded, Epoch: 1,
			}
		}
		return calls >= 2
	}, time.Second, "should update")

	f := w.EventuallyFlowStatus(get, id, api.StatusSucceeded)
	w.Equal(api.Epoch(1), f.Epoch)
}

func TestConfigValid(t *testing.T) {
	tests := []struct {
		name string
		edit func(*config.Config)
	}{
		{
			name: "default config is valid",
			edit: func(*config.Config) {},
		},
		{
			name: "minimum valid port",
			edit: func(c *config.Config) { c.APIPort = 1 },
		},
		{
			name: "maximum valid port",
			edit: func(c *config.Config) { c.APIPort = 65535 },
		},
		{
			name: "never expiring leases",
			edit: func(c *config.Config) { c.Flow.LeaseLength = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tt.edit(cfg)
			w := New(t)
			w.ConfigValid(cfg)
		})
	}
}

func TestConfigInvalid(t *testing.T) {
	tests := []struct {
		name     string
		edit     func(*config.Config)
		contains string
	}{
		{
			name:     "invalid port zero",
			edit:     func(c *config.Config) { c.APIPort = 0 },
			contains: "port",
		},
		{
			name:     "invalid port too large",
			edit:     func(c *config.Config) { c.APIPort = 65536 },
			contains: "port",
		},
		{
			name:     "empty replica id",
			edit:     func(c *config.Config) { c.ReplicaID = "" },
			contains: "replica id",
		},
		{
			name: "negative lease",
			edit: func(c *config.Config) {
				c.Flow.LeaseLength = -time.Second
			},
			contains: "lease",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tt.edit(cfg)
			w := New(t)
			w.ConfigInvalid(cfg, tt.contains)
		})
	}
}

func TestEventually(t *testing.T) {
	attempts := 0
	w := New(t)
	w.Eventually(func() bool {
		attempts++
		return attempts >= 3
	}, time.Second, "condition should pass")
	w.Equal(3, attempts)
}

func TestEventuallyWithError(t *testing.T) {
	attempts := 0
	w := New(t)
	w.EventuallyWithError(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}, time.Second, "condition should succeed")
	w.Equal(3, attempts)
}
