//go:build linux

package hidsvc

import (
	"fmt"
	"strings"

	"github.com/jochenvg/go-udev"
	"github.com/sstallion/go-hid"
	"go.uber.org/zap"
)

// udevEnumerator lists hidraw nodes through udev, with hidapi
// enumeration filling in manufacturer/product strings udev does not
// carry.
type udevEnumerator struct {
	log  *zap.Logger
	udev *udev.Udev
}

func newEnumerator(log *zap.Logger) Enumerator {
	hid.Init()
	return &udevEnumerator{
		log:  log.Named("udev"),
		udev: &udev.Udev{},
	}
}

func (u *udevEnumerator) Devices() ([]DeviceInfo, error) {
	e := u.udev.NewEnumerate()
	e.AddMatchSubsystem("hidraw")
	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("udev enumerate: %w", err)
	}

	names := hidapiNames()

	var infos []DeviceInfo
	for _, dev := range devices {
		node := dev.Devnode()
		if node == "" {
			continue
		}
		info := DeviceInfo{Node: node}
		if hidDev := dev.Parent(); hidDev != nil {
			info.Name = hidDev.PropertyValue("HID_NAME")
			id := hidDev.PropertyValue("HID_ID")
			var bus, vendor, product uint32
			if _, err := fmt.Sscanf(id, "%4x:%8x:%8x", &bus, &vendor, &product); err == nil {
				info.BusType = bus
				info.Vendor = uint16(vendor)
				info.Product = uint16(product)
			} else {
				u.log.Debug("unparseable HID_ID", zap.String("node", node), zap.String("id", id))
			}
		}
		if name, ok := names[node]; ok && name != "" {
			info.Name = name
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// hidapiNames maps device nodes to display names built the way hidapi
// reports them.
func hidapiNames() map[string]string {
	names := make(map[string]string)
	hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(info *hid.DeviceInfo) error {
		var parts []string
		if info.MfrStr != "" {
			parts = append(parts, info.MfrStr)
		}
		if info.ProductStr != "" {
			parts = append(parts, info.ProductStr)
		}
		if len(parts) > 0 {
			names[info.Path] = strings.Join(parts, " ")
		}
		return nil
	})
	return names
}
