// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package gpu enumerates the NVIDIA devices a sweep can spread its forks
// over. Static information is read from sysfs (/sys/class/drm/card*) and,
// when the proprietary driver is loaded, from /proc/driver/nvidia/gpus/.
// A CUDA_VISIBLE_DEVICES variable in the environment overrides discovery
// the same way the CUDA runtime would honor it.
package gpu

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUnsupportedFramework is returned when a framework name is not one the
// sweep knows how to pin devices for.
var ErrUnsupportedFramework = errors.New("unsupported framework")

// Frameworks the sweep can pin devices for.
const (
	FrameworkTensorFlow = "tf"
	FrameworkTorch      = "torch"
)

const visibleDevicesEnv = "CUDA_VISIBLE_DEVICES"

// Device is one schedulable GPU slot.
type Device struct {
	// Index is the position in the visible device list, the value CUDA
	// ordinals refer to.
	Index int

	// PCISlot is the PCI address, e.g. "0000:01:00.0".
	PCISlot string

	// Model, UUID and VBIOS come from the proprietary driver's proc
	// information file and stay empty under nouveau.
	Model string
	UUID  string
	VBIOS string

	// Driver is the kernel driver bound to the card.
	Driver string
}

// Prober discovers NVIDIA devices on the local machine.
type Prober struct {
	// sysRoot and procRoot default to "/sys" and "/proc"; tests point them
	// at synthetic trees.
	sysRoot  string
	procRoot string

	lookupEnv func(string) (string, bool)
}

// NewProber returns a Prober reading the real /sys, /proc and process
// environment.
func NewProber() *Prober {
	return newProberFrom("/sys", "/proc", os.LookupEnv)
}

func newProberFrom(sysRoot, procRoot string, lookupEnv func(string) (string, bool)) *Prober {
	return &Prober{sysRoot: sysRoot, procRoot: procRoot, lookupEnv: lookupEnv}
}

// Devices returns the GPUs the sweep may assign forks to, in slot order.
// When CUDA_VISIBLE_DEVICES is set its entries define the slots: ordinals
// and UUIDs are resolved against the enumerated cards where possible, and
// unresolvable entries still occupy a slot with empty metadata. Without
// the variable every NVIDIA driven card is a slot. A machine with no
// devices yields nil.
func (p *Prober) Devices() []Device {
	enumerated := p.enumerate()

	raw, ok := p.lookupEnv(visibleDevicesEnv)
	if !ok {
		return enumerated
	}

	var devices []Device
	for _, entry := range visibleEntries(raw) {
		device := Device{Index: len(devices)}
		if ordinal, err := strconv.Atoi(entry); err == nil {
			if ordinal < len(enumerated) {
				device = enumerated[ordinal]
				device.Index = len(devices)
			}
		} else {
			device.UUID = entry
			for _, known := range enumerated {
				if known.UUID == entry {
					device = known
					device.Index = len(devices)
					break
				}
			}
		}
		devices = append(devices, device)
	}
	return devices
}

// enumerate walks /sys/class/drm and keeps the cards bound to an NVIDIA
// driver, either proprietary or nouveau.
func (p *Prober) enumerate() []Device {
	drmBase := filepath.Join(p.sysRoot, "class/drm")
	entries, err := os.ReadDir(drmBase)
	if err != nil {
		return nil
	}

	var devices []Device
	for _, entry := range entries {
		name := entry.Name()
		if !isCardEntry(name) {
			continue
		}

		devicePath := filepath.Join(drmBase, name, "device")
		driver := driverName(devicePath)
		if driver != "nvidia" && driver != "nouveau" {
			continue
		}

		device := Device{
			Index:   len(devices),
			PCISlot: devicePCISlot(devicePath),
			Driver:  driver,
		}
		if driver == "nvidia" && device.PCISlot != "" {
			p.fillFromProc(&device)
		}
		devices = append(devices, device)
	}
	return devices
}

// fillFromProc reads /proc/driver/nvidia/gpus/<pci-slot>/information, a
// key-value file the proprietary driver provides:
//
//	Model:           NVIDIA GeForce RTX 4090
//	GPU UUID:        GPU-xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
//	Video BIOS:      95.02.3c.80.b8
//
// A missing file leaves the device with empty metadata.
func (p *Prober) fillFromProc(device *Device) {
	infoPath := filepath.Join(p.procRoot, "driver/nvidia/gpus", device.PCISlot, "information")
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Model":
			device.Model = value
		case "GPU UUID":
			device.UUID = value
		case "Video BIOS":
			device.VBIOS = value
		}
	}
}

// Assign returns env extended with the variables pinning a fork to one
// device. TensorFlow and Torch both honor CUDA_VISIBLE_DEVICES; the
// device UUID is preferred over its ordinal because it survives
// reordering between processes.
func Assign(env []string, framework string, device Device) ([]string, error) {
	switch framework {
	case FrameworkTensorFlow, FrameworkTorch:
		value := device.UUID
		if value == "" {
			value = strconv.Itoa(device.Index)
		}
		return append(env, visibleDevicesEnv+"="+value), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedFramework, framework)
	}
}

// isCardEntry reports whether a drm class entry is a card device rather
// than a connector (card0-HDMI-A-1) or render node (renderD128).
func isCardEntry(name string) bool {
	suffix, found := strings.CutPrefix(name, "card")
	if !found || suffix == "" {
		return false
	}
	for _, character := range suffix {
		if character < '0' || character > '9' {
			return false
		}
	}
	return true
}

// driverName resolves the kernel driver bound to a PCI device by reading
// the basename of its "driver" symlink.
func driverName(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// devicePCISlot extracts PCI_SLOT_NAME from the device uevent file.
func devicePCISlot(devicePath string) string {
	data, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(data), "\n") {
		if value, found := strings.CutPrefix(line, "PCI_SLOT_NAME="); found {
			return value
		}
	}
	return ""
}

// visibleEntries parses a CUDA_VISIBLE_DEVICES value the way the CUDA
// runtime does: comma separated entries, list cut short at the first
// empty, malformed or negative one.
func visibleEntries(raw string) []string {
	var entries []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			break
		}
		if strings.HasPrefix(entry, "GPU-") || strings.HasPrefix(entry, "MIG-") {
			entries = append(entries, entry)
			continue
		}
		ordinal, err := strconv.Atoi(entry)
		if err != nil || ordinal < 0 {
			break
		}
		entries = append(entries, entry)
	}
	return entries
}
