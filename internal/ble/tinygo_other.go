//go:build !linux

package ble

import "github.com/chaz8081/multirole/internal/profile"

// advertiser is empty: peripheral mode is only wired up for BlueZ.
type advertiser struct{}

func (a *TinyGoAdapter) StartAdvertising(Advertisement) error { return ErrUnsupported }

func (a *TinyGoAdapter) StopAdvertising() error { return nil }

func (a *TinyGoAdapter) HostProfile(*profile.Store) error { return ErrUnsupported }
