package usb

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const sysfsDevices = "/sys/bus/usb/devices"

func readHex16(file string) (uint16, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, err
	}

	if len(data) < 4 {
		return 0, errors.New("vid/pid entry is too short")
	}

	result, err := strconv.ParseUint(string(data[:4]), 16, 16)
	return uint16(result), err
}

func readDecimal(file string) (int, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, err
	}

	result, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 16)
	return int(result), err
}

// FindDevices returns the usbfs nodes of all devices matching vid and pid.
// A zero vid or pid matches anything, an empty serial matches any serial.
func FindDevices(vid uint16, pid uint16, serial string) ([]string, error) {
	entries, err := os.ReadDir(sysfsDevices)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var results []string
	for _, m := range entries {
		dev := path.Join(sysfsDevices, m.Name())

		/* Interfaces have no idVendor, skip them */
		vendorID, err := readHex16(dev + "/idVendor")
		if err != nil {
			continue
		}
		productID, _ := readHex16(dev + "/idProduct")

		if (vid > 0 && vendorID != vid) || (pid > 0 && productID != pid) {
			continue
		}

		if serial != "" {
			sn, err := os.ReadFile(dev + "/serial")
			if err != nil || strings.TrimSpace(string(sn)) != serial {
				continue
			}
		}

		bus, err := readDecimal(dev + "/busnum")
		if err != nil {
			continue
		}
		num, err := readDecimal(dev + "/devnum")
		if err != nil {
			continue
		}

		node := fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, num)
		glog.V(1).Infof("Dev %04x:%04x at %s", vendorID, productID, node)
		results = append(results, node)
	}

	return results, nil
}
