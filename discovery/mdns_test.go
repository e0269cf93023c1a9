package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestMDNSAdvertiserBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	advertiser := NewMDNSAdvertiser(Config{
		SelfInstanceID: "instance-123",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})

	reg, err := advertiser.Advertise(context.Background(), "host1", DefaultServiceType, 9999, []string{"role=host"})
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer reg.Cancel()

	if gotInstance != "host1" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultServiceType {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "instance_id=instance-123")
	assertContainsTXT(t, gotTXT, "role=host")
}

func TestMDNSRegistrationReportsAddedThenRemoved(t *testing.T) {
	advertiser := NewMDNSAdvertiser(Config{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	})

	reg, err := advertiser.Advertise(context.Background(), "host1", DefaultServiceType, 9999, nil)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}

	added := <-reg.Events()
	want := Endpoint{Instance: "host1", Service: DefaultServiceType, Domain: DefaultDomain}
	if added.Type != RegistrationAdded || added.Endpoint != want {
		t.Fatalf("unexpected registration event: %+v", added)
	}

	reg.Cancel()
	reg.Cancel()

	removed, ok := <-reg.Events()
	if !ok || removed.Type != RegistrationRemoved || removed.Endpoint != want {
		t.Fatalf("unexpected removal event: %+v (open=%v)", removed, ok)
	}
	if _, ok := <-reg.Events(); ok {
		t.Fatalf("expected registration events to close after cancel")
	}
}

func TestMDNSAdvertiserValidatesInput(t *testing.T) {
	advertiser := NewMDNSAdvertiser(Config{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("register should not be called for invalid input")
			return nil, nil
		},
	})

	cases := []struct {
		name        string
		serviceType string
		port        int
	}{
		{name: "", serviceType: DefaultServiceType, port: 1},
		{name: "host1", serviceType: "", port: 1},
		{name: "host1", serviceType: DefaultServiceType, port: 0},
	}
	for _, tc := range cases {
		if _, err := advertiser.Advertise(context.Background(), tc.name, tc.serviceType, tc.port, nil); err == nil {
			t.Fatalf("expected %+v to be rejected", tc)
		}
	}
}

func TestMDNSAdvertiserWrapsRegisterError(t *testing.T) {
	registerErr := errors.New("multicast unavailable")
	advertiser := NewMDNSAdvertiser(Config{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, registerErr
		},
	})

	if _, err := advertiser.Advertise(context.Background(), "host1", DefaultServiceType, 1, nil); !errors.Is(err, registerErr) {
		t.Fatalf("expected wrapped register error, got %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Domain != DefaultDomain || cfg.Version != DefaultVersion {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ScanInterval != DefaultScanInterval || cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("unexpected scan defaults: %s %s", cfg.ScanInterval, cfg.ScanTimeout)
	}
	if cfg.Logger == nil || cfg.registerFn == nil {
		t.Fatalf("expected logger and register function defaults")
	}
}

func assertContainsTXT(t *testing.T, txt []string, want string) {
	t.Helper()
	for _, entry := range txt {
		if entry == want {
			return
		}
	}
	t.Fatalf("expected TXT %q in %s", want, strings.Join(txt, ","))
}
