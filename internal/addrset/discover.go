package addrset

import (
	"net"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
)

// Discoverer resolves the current tunnel/internet addresses from live
// interface state, used by internal/driver's REGISTER-IP-ADDRESSES path
// when addresses are derived locally rather than pushed by a control
// surface (spec.md section 6 lists REGISTER-IP-ADDRESSES as an input; this
// is the means by which a caller can populate it from the host itself).
type Discoverer struct {
	logger        *logging.Logger
	tunnelIface   string
	internetIface string
}

// NewDiscoverer returns a Discoverer for the named tunnel and internet
// interfaces.
func NewDiscoverer(logger *logging.Logger, tunnelIface, internetIface string) *Discoverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Discoverer{
		logger:        logger.WithComponent("addrset"),
		tunnelIface:   tunnelIface,
		internetIface: internetIface,
	}
}

// Discover returns the current Set, consulting netlink for interface
// addresses and wgctrl to confirm the tunnel interface is a live
// WireGuard device before trusting its address as an active tunnel
// (SPEC_FULL.md: a renamed-but-unconfigured interface must not be
// mistaken for an active tunnel).
func (d *Discoverer) Discover() (Set, error) {
	var s Set

	if d.tunnelIface != "" {
		isWG, err := d.isWireGuardDevice(d.tunnelIface)
		if err != nil {
			d.logger.Warn("failed to query wireguard device", "interface", d.tunnelIface, "error", err)
		}
		if isWG {
			v4, v6, err := interfaceAddresses(d.tunnelIface)
			if err != nil {
				return s, errors.Wrap(err, errors.KindFrameworkFailure, "failed to list tunnel interface addresses")
			}
			s.TunnelV4, s.TunnelV6 = v4, v6
		}
	}

	if d.internetIface != "" {
		v4, v6, err := interfaceAddresses(d.internetIface)
		if err != nil {
			return s, errors.Wrap(err, errors.KindFrameworkFailure, "failed to list internet interface addresses")
		}
		s.InternetV4, s.InternetV6 = v4, v6
	}

	return s, nil
}

func (d *Discoverer) isWireGuardDevice(iface string) (bool, error) {
	client, err := wgctrl.New()
	if err != nil {
		// wgctrl unavailable (e.g. no /dev/net/tun or no kernel module) —
		// treat as "not a wireguard device" rather than failing discovery.
		return false, nil
	}
	defer client.Close()

	_, err = client.Device(iface)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func interfaceAddresses(iface string) (v4, v6 net.IP, err error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, nil, err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, nil, err
	}

	for _, a := range addrs {
		ip := a.IP
		if ip4 := ip.To4(); ip4 != nil {
			if v4 == nil {
				v4 = ip4
			}
			continue
		}
		if v6 == nil {
			v6 = ip
		}
	}
	return v4, v6, nil
}
