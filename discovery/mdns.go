package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultServiceType is the mDNS service type sessions are advertised under.
	DefaultServiceType = "_ssh._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanInterval is the background browse interval.
	DefaultScanInterval = 5 * time.Second
	// DefaultScanTimeout bounds each browse scan window.
	DefaultScanTimeout = 2 * time.Second

	instanceIDTXTKey = "instance_id"
	versionTXTKey    = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertiser and browser behavior.
type Config struct {
	Domain       string
	Version      int
	ScanInterval time.Duration
	ScanTimeout  time.Duration

	// SelfInstanceID is published in TXT records and filtered out of browse results.
	SelfInstanceID string

	Logger logrus.FieldLogger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// MDNSAdvertiser advertises services through zeroconf.
type MDNSAdvertiser struct {
	cfg Config
}

// NewMDNSAdvertiser returns an advertiser with config defaults applied.
func NewMDNSAdvertiser(config Config) *MDNSAdvertiser {
	return &MDNSAdvertiser{cfg: config.withDefaults()}
}

// Advertise registers name under serviceType and reports the registered endpoint.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, name, serviceType string, port int, text []string) (Registration, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("advertise: service name is required")
	}
	if strings.TrimSpace(serviceType) == "" {
		return nil, fmt.Errorf("advertise: service type is required")
	}
	if port <= 0 {
		return nil, fmt.Errorf("advertise: listening port must be > 0")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txt := []string{versionTXTKey + "=" + strconv.Itoa(a.cfg.Version)}
	if a.cfg.SelfInstanceID != "" {
		txt = append(txt, instanceIDTXTKey+"="+a.cfg.SelfInstanceID)
	}
	txt = append(txt, text...)

	server, err := a.cfg.registerFn(name, serviceType, a.cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	endpoint := Endpoint{Instance: name, Service: serviceType, Domain: a.cfg.Domain}
	reg := &mdnsRegistration{
		server:   server,
		endpoint: endpoint,
		events:   make(chan RegistrationEvent, 2),
	}
	reg.events <- RegistrationEvent{Type: RegistrationAdded, Endpoint: endpoint}

	a.cfg.Logger.WithFields(logrus.Fields{
		"endpoint": endpoint.String(),
		"port":     port,
	}).Info("discovery: service registered")
	return reg, nil
}

type mdnsRegistration struct {
	server   *zeroconf.Server
	endpoint Endpoint
	events   chan RegistrationEvent

	cancelOnce sync.Once
}

func (r *mdnsRegistration) Events() <-chan RegistrationEvent {
	return r.events
}

// Cancel shuts the zeroconf server down and reports the removal.
func (r *mdnsRegistration) Cancel() {
	r.cancelOnce.Do(func() {
		if r.server != nil {
			r.server.Shutdown()
		}
		r.events <- RegistrationEvent{Type: RegistrationRemoved, Endpoint: r.endpoint}
		close(r.events)
	})
}
