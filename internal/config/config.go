// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the split-tunnel driver's HCL configuration file:
// the exclusion image list and the interfaces used to tell the tunnel
// address apart from the default-route address. Grounded on the teacher's
// internal/config package, which decodes its much larger firewall policy
// document the same way, through hclsimple.DecodeFile against tagged
// struct fields.
package config

import (
	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/flywall/internal/errors"
)

// Config is the top-level decoded document.
type Config struct {
	// TunnelInterface is the name of the VPN tunnel interface (e.g. "wg0")
	// whose addresses populate REGISTER-IP-ADDRESSES' tunnel fields.
	TunnelInterface string `hcl:"tunnel_interface"`

	// InternetInterface is the name of the default-route interface whose
	// addresses populate REGISTER-IP-ADDRESSES' internet fields. Optional:
	// when empty, internal/addrset.Discoverer leaves the internet addresses
	// absent; it does not look for a default-route interface itself.
	InternetInterface string `hcl:"internet_interface,optional"`

	// ExclusionImages lists the image names (paths or bare names,
	// case-folded the same way internal/imageset.Normalize does) that
	// should split out of the tunnel.
	ExclusionImages []string `hcl:"exclusion_images,optional"`
}

// Load reads and decodes path. It does not validate the exclusion list
// against an empty slice: SET-CONFIGURATION's "at least one entry" rule
// belongs to internal/imageset.NewFromList, not to file loading, so an
// empty or absent exclusion_images attribute loads cleanly and simply
// leaves the driver un-configured until SET-CONFIGURATION is called.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidArgument, "failed to decode split-tunnel config file")
	}
	return &cfg, nil
}
