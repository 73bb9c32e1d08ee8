package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)
	logger, _ := test.NewNullLogger()

	advertiser, err := Advertise(Config{
		SelfDeviceID:   "device-123",
		DeviceName:     "Alice Laptop",
		ListeningPort:  9876,
		KeyFingerprint: "0123456789abcdef",
		Logger:         logger,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, advertiser)
	advertiser.Stop()

	assert.Equal(t, "Alice Laptop", gotInstance)
	assert.Equal(t, DefaultService, gotService)
	assert.Equal(t, DefaultDomain, gotDomain)
	assert.Equal(t, 9876, gotPort)
	assert.ElementsMatch(t, []string{
		"device_id=device-123",
		"version=1",
		"key_fingerprint=0123456789abcdef",
	}, gotTXT)
}

func TestAdvertiseValidatesConfig(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		t.Fatal("register must not be called")
		return nil, nil
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing device ID", cfg: Config{DeviceName: "a", ListeningPort: 1}},
		{name: "missing name", cfg: Config{SelfDeviceID: "a", ListeningPort: 1}},
		{name: "missing port", cfg: Config{SelfDeviceID: "a", DeviceName: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.registerFn = register
			_, err := Advertise(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestAdvertiseWrapsRegisterError(t *testing.T) {
	_, err := Advertise(Config{
		SelfDeviceID:  "a",
		DeviceName:    "a",
		ListeningPort: 1,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, errors.New("no multicast interface")
		},
	})
	assert.ErrorContains(t, err, "no multicast interface")
}

func TestNilAdvertiserStop(t *testing.T) {
	var advertiser *Advertiser
	assert.NotPanics(t, advertiser.Stop)
}

func testServiceEntry(deviceID, instance string, port int, ips ...string) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
			"key_fingerprint=fingerprint-" + deviceID,
		},
	}
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed.To4() != nil {
			entry.AddrIPv4 = append(entry.AddrIPv4, parsed)
		} else {
			entry.AddrIPv6 = append(entry.AddrIPv6, parsed)
		}
	}
	return entry
}

func browseConfig(t *testing.T, entries ...*zeroconf.ServiceEntry) Config {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return Config{
		SelfDeviceID: "self-device",
		ScanTimeout:  50 * time.Millisecond,
		Logger:       logger,
		browseFn: func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
			go func() {
				for _, entry := range entries {
					select {
					case out <- entry:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
	}
}

func TestBrowseFiltersSelfAndSorts(t *testing.T) {
	cfg := browseConfig(t,
		testServiceEntry("self-device", "Self", 9876, "10.0.0.1"),
		testServiceEntry("peer-2", "Carol", 9877, "10.0.0.3"),
		testServiceEntry("peer-1", "Bob", 9876, "fe80::1", "10.0.0.2", "10.0.0.2"),
		nil,
	)

	peers, err := Browse(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, peers, 2)

	assert.Equal(t, "Bob", peers[0].DeviceName)
	assert.Equal(t, []string{"10.0.0.2", "fe80::1"}, peers[0].Addresses)
	assert.Equal(t, "10.0.0.2:9876", peers[0].Endpoint())
	assert.Equal(t, "fingerprint-peer-1", peers[0].KeyFingerprint)
	assert.Equal(t, 1, peers[0].ProtocolVersion)
	assert.NotZero(t, peers[0].LastSeenTimestamp)
	assert.Equal(t, "Carol", peers[1].DeviceName)
}

func TestBrowseReturnsBrowseError(t *testing.T) {
	cfg := browseConfig(t)
	cfg.browseFn = func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
		return errors.New("socket closed")
	}

	_, err := Browse(context.Background(), cfg)
	assert.ErrorContains(t, err, "socket closed")
}

func TestBrowseHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Browse(ctx, browseConfig(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFind(t *testing.T) {
	cfg := browseConfig(t,
		testServiceEntry("peer-1", "Bob", 9876, "10.0.0.2"),
		testServiceEntry("peer-3", "Dave", 9876),
	)

	peer, err := Find(context.Background(), cfg, "bob")
	require.NoError(t, err)
	assert.Equal(t, "peer-1", peer.DeviceID)

	peer, err = Find(context.Background(), cfg, "PEER-1")
	require.NoError(t, err)
	assert.Equal(t, "Bob", peer.DeviceName)

	// Dave advertises no address, so it cannot be dialed.
	_, err = Find(context.Background(), cfg, "Dave")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestTxtToMap(t *testing.T) {
	got := txtToMap([]string{"device_id= abc ", "noequals", "=value", "empty="})
	assert.Equal(t, map[string]string{"device_id": "abc", "empty": ""}, got)
}
