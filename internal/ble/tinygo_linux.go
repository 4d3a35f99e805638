//go:build linux

package ble

import (
	"fmt"
	"log/slog"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/multirole/internal/profile"
)

// advertiser holds the BlueZ advertisement. BlueZ builds the payload itself
// from the name and service UUIDs, so the raw payload fields are unused.
type advertiser struct {
	adv     *bluetooth.Advertisement
	running bool
}

func (a *TinyGoAdapter) StartAdvertising(ad Advertisement) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.adv == nil {
		uuids := make([]bluetooth.UUID, len(ad.ServiceUUIDs))
		for i, u := range ad.ServiceUUIDs {
			uuids[i] = bluetooth.New16BitUUID(u)
		}
		adv := a.adapter.DefaultAdvertisement()
		if err := adv.Configure(bluetooth.AdvertisementOptions{
			LocalName:    ad.LocalName,
			ServiceUUIDs: uuids,
			Interval:     bluetooth.NewDuration(ad.Interval),
		}); err != nil {
			return fmt.Errorf("ble: configure advertisement: %w", err)
		}
		a.adv = adv
	}
	if a.running {
		return nil
	}
	if err := a.adv.Start(); err != nil {
		return err
	}
	a.running = true
	return nil
}

func (a *TinyGoAdapter) StopAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	if err := a.adv.Stop(); err != nil {
		return err
	}
	a.running = false
	return nil
}

// HostProfile registers the simple profile with BlueZ. Peer writes land in
// store; notifying values set locally are pushed to subscribers.
func (a *TinyGoAdapter) HostProfile(store *profile.Store) error {
	handles := make([]bluetooth.Characteristic, len(profile.Params))
	chars := make([]bluetooth.CharacteristicConfig, len(profile.Params))
	for i, p := range profile.Params {
		value, err := store.Get(p)
		if err != nil {
			return err
		}
		var flags bluetooth.CharacteristicPermissions
		if p.Readable() {
			flags |= bluetooth.CharacteristicReadPermission
		}
		if p.Writable() {
			flags |= bluetooth.CharacteristicWritePermission
		}
		if p.Notifies() {
			flags |= bluetooth.CharacteristicNotifyPermission
		}
		chars[i] = bluetooth.CharacteristicConfig{
			Handle: &handles[i],
			UUID:   bluetooth.New16BitUUID(p.UUID()),
			Value:  value,
			Flags:  flags,
		}
		if p.Writable() {
			chars[i].WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				if err := store.Write(p, value); err != nil {
					slog.Warn("[BLE] rejected profile write", "param", p, "error", err)
				}
			}
		}
	}

	if err := a.adapter.AddService(&bluetooth.Service{
		UUID:            bluetooth.New16BitUUID(profile.ServiceUUID),
		Characteristics: chars,
	}); err != nil {
		return err
	}

	store.OnNotify(func(p profile.Param, value []byte) {
		for i, q := range profile.Params {
			if q != p {
				continue
			}
			if _, err := handles[i].Write(value); err != nil {
				slog.Debug("[BLE] notify failed", "param", p, "error", err)
			}
		}
	})
	return nil
}
