// ABOUTME: Service directory types and the Directory interface
// ABOUTME: Instances, config keys, sentinel errors and URL resolution

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

var (
	// ErrNoInstances is returned when a service has no healthy instance.
	ErrNoInstances = errors.New("discovery: no healthy instances")

	// ErrInstanceNotFound is returned by Heartbeat when the server no longer
	// knows the instance, e.g. after a server restart.
	ErrInstanceNotFound = errors.New("discovery: instance not registered")

	// ErrConfigNotFound is returned by GetConfig for unknown data ids.
	ErrConfigNotFound = errors.New("discovery: config not found")
)

// Instance is one registered endpoint of a service.
type Instance struct {
	ServiceName       string            `json:"service_name"`
	IP                string            `json:"ip"`
	Port              int               `json:"port"`
	Cluster           string            `json:"cluster"`
	Weight            float64           `json:"weight"`
	Healthy           bool              `json:"healthy"`
	Ephemeral         bool              `json:"ephemeral"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval"`
}

// Addr returns ip:port.
func (i Instance) Addr() string {
	return net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// ConfigKey names a configuration document.
type ConfigKey struct {
	DataID string
	Group  string
}

func (k ConfigKey) String() string { return k.Group + "/" + k.DataID }

// Directory is a service registry plus configuration center.
type Directory interface {
	Register(ctx context.Context, inst Instance) error
	Deregister(ctx context.Context, inst Instance) error
	// Heartbeat returns ErrInstanceNotFound when the instance must be
	// registered again.
	Heartbeat(ctx context.Context, inst Instance) error
	// Resolve returns the healthy instances of a service.
	Resolve(ctx context.Context, service string) ([]Instance, error)
	GetConfig(ctx context.Context, key ConfigKey) (string, error)
	// WatchConfig calls fn with the new content every time it changes and
	// blocks until ctx is done.
	WatchConfig(ctx context.Context, key ConfigKey, fn func(content string)) error
}

// ResolveURL returns http://ip:port of the first healthy instance.
func ResolveURL(ctx context.Context, d Directory, service string) (string, error) {
	instances, err := d.Resolve(ctx, service)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", service, err)
	}
	for _, inst := range instances {
		if inst.Healthy {
			return "http://" + inst.Addr(), nil
		}
	}
	return "", fmt.Errorf("resolving %s: %w", service, ErrNoInstances)
}
