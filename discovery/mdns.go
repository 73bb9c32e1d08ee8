// Package discovery advertises and finds receivers on the local network
// over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/grandcat/zeroconf"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	DefaultService     = "_peerdrop._tcp"
	DefaultDomain      = "local."
	DefaultVersion     = 1
	DefaultScanTimeout = 3 * time.Second
)

// TXT record keys.
const (
	txtDeviceID       = "device_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
)

// registerFunc and browseFunc let tests replace the zeroconf network calls.
type (
	registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
	browseFunc   func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
)

var validate = validator.New()

// Config controls advertising and browsing. Zero values select the defaults.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	// SelfDeviceID is advertised, and filtered out of browse results.
	SelfDeviceID string `validate:"required"`
	// DeviceName becomes the mDNS instance name.
	DeviceName     string `validate:"required"`
	ListeningPort  int    `validate:"gt=0,lte=65535"`
	KeyFingerprint string

	Logger logrus.FieldLogger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	c.Service = lo.CoalesceOrEmpty(c.Service, DefaultService)
	c.Domain = lo.CoalesceOrEmpty(c.Domain, DefaultDomain)
	c.Version = lo.CoalesceOrEmpty(c.Version, DefaultVersion)
	c.ScanTimeout = lo.CoalesceOrEmpty(c.ScanTimeout, DefaultScanTimeout)
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c
}

// Advertiser announces a receiver via mDNS until stopped.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the local receiver. The TXT records carry the device
// ID, protocol version and, when set, the identity key fingerprint.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid discovery config: %w", err)
	}

	txt := []string{
		txtDeviceID + "=" + cfg.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
	}
	if cfg.KeyFingerprint != "" {
		txt = append(txt, txtKeyFingerprint+"="+cfg.KeyFingerprint)
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", cfg.Service, err)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"function": "Advertise",
		"service":  cfg.Service,
		"instance": cfg.DeviceName,
		"port":     cfg.ListeningPort,
	}).Info("Advertising receiver")
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement. It is safe on a nil Advertiser.
func (a *Advertiser) Stop() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}
