package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"peerdrop/models"
)

// ErrPeerNotFound indicates no advertised receiver matched.
var ErrPeerNotFound = errors.New("discovery: peer not found")

// Browse collects advertised receivers for one scan window, excluding this
// device. Peers are sorted by name.
func Browse(ctx context.Context, config Config) ([]models.Peer, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.Peer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeenTimestamp = time.Now().UnixMilli()
				collected[peer.DeviceID] = peer
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peers := lo.Values(collected)
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].DeviceName == peers[j].DeviceName {
			return peers[i].DeviceID < peers[j].DeviceID
		}
		return peers[i].DeviceName < peers[j].DeviceName
	})

	cfg.Logger.WithFields(logrus.Fields{
		"function": "Browse",
		"peers":    len(peers),
	}).Debug("Discovery scan finished")
	return peers, nil
}

// Find browses for a receiver whose device name or device ID equals query
// (case-insensitive) and that has a reachable endpoint.
func Find(ctx context.Context, config Config, query string) (models.Peer, error) {
	peers, err := Browse(ctx, config)
	if err != nil {
		return models.Peer{}, err
	}

	peer, ok := lo.Find(peers, func(p models.Peer) bool {
		return p.Endpoint() != "" &&
			(strings.EqualFold(p.DeviceName, query) || strings.EqualFold(p.DeviceID, query))
	})
	if !ok {
		return models.Peer{}, fmt.Errorf("%w: %q", ErrPeerNotFound, query)
	}
	return peer, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.Peer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID == "" || deviceID == selfDeviceID {
		return models.Peer{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		if raw := ip.String(); raw != "" {
			addresses = append(addresses, raw)
		}
	}
	addresses = lo.Uniq(addresses)
	// IPv4 addresses first.
	sort.SliceStable(addresses, func(i, j int) bool {
		iv4 := !strings.Contains(addresses[i], ":")
		jv4 := !strings.Contains(addresses[j], ":")
		if iv4 != jv4 {
			return iv4
		}
		return addresses[i] < addresses[j]
	})

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return models.Peer{
		DeviceID:        deviceID,
		DeviceName:      name,
		KeyFingerprint:  strings.TrimSpace(txt[txtKeyFingerprint]),
		ProtocolVersion: version,
		Port:            entry.Port,
		Addresses:       addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
