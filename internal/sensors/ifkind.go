package sensors

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/m360-net/m360/internal/routeros"
)

const (
	KindEthernet = "ethernet"
	KindVLAN     = "vlan"

	kindCacheTTL = time.Hour
)

var trailingVLANTag = regexp.MustCompile(`\.\d+$`)

// KindDetector resolves whether a monitored interface is a physical port or
// a VLAN. Probe results are cached per (device_ip, interface).
type KindDetector struct {
	cache    *ttlcache.Cache[string, string]
	stopOnce sync.Once
}

func NewKindDetector() *KindDetector {
	c := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](kindCacheTTL),
	)
	go c.Start()
	return &KindDetector{cache: c}
}

func (d *KindDetector) Stop() { d.stopOnce.Do(d.cache.Stop) }

// Detect applies the precedence: explicit config, name heuristic, then a
// RouterOS probe over the given session.
func (d *KindDetector) Detect(ctx context.Context, sess routeros.Session, deviceIP, iface, explicit string) string {
	if explicit == KindEthernet || explicit == KindVLAN {
		return explicit
	}
	if NameLooksVLAN(iface) {
		return KindVLAN
	}

	key := deviceIP + "|" + iface
	if item := d.cache.Get(key); item != nil {
		return item.Value()
	}
	kind := probeKind(ctx, sess, iface)
	d.cache.Set(key, kind, ttlcache.DefaultTTL)
	return kind
}

// NameLooksVLAN is the cheap heuristic: "vlan" anywhere in the name, or a
// trailing ".<tag>" suffix.
func NameLooksVLAN(iface string) bool {
	lower := strings.ToLower(iface)
	return strings.Contains(lower, "vlan") || trailingVLANTag.MatchString(iface)
}

func probeKind(ctx context.Context, sess routeros.Session, iface string) string {
	// listed under /interface/vlan means vlan, full stop
	rows, err := sess.Call(ctx, "/interface/vlan/print", "?name="+iface)
	if err == nil && len(rows) > 0 {
		return KindVLAN
	}

	rows, err = sess.Call(ctx, "/interface/print", "?name="+iface)
	if err == nil && len(rows) > 0 {
		t := strings.ToLower(rows[0]["type"])
		if strings.Contains(t, "vlan") {
			return KindVLAN
		}
		if strings.Contains(t, "ether") {
			return KindEthernet
		}
	}

	rows, err = sess.Call(ctx, "/interface/ethernet/print", "?name="+iface)
	if err == nil && len(rows) > 0 {
		return KindEthernet
	}
	return KindEthernet
}
