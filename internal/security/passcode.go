// Package security holds the bond manager settings and answers passcode
// requests raised during pairing.
package security

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/chaz8081/multirole/internal/link"
)

// DefaultPasscode is answered when no secret is configured.
const DefaultPasscode uint32 = 123456

// MaxPasscode is the largest six digit passcode.
const MaxPasscode uint32 = 999999

// PairingMode controls whether this device initiates pairing.
type PairingMode uint8

const (
	PairingNone PairingMode = iota
	PairingWaitForRequest
	PairingInitiate
)

// IOCapabilities advertised to the peer during pairing.
type IOCapabilities uint8

const (
	IOCapDisplayOnly IOCapabilities = iota
	IOCapDisplayYesNo
	IOCapKeyboardOnly
	IOCapNoInputNoOutput
	IOCapKeyboardDisplay
)

var pairingModes = map[string]PairingMode{
	"none":     PairingNone,
	"wait":     PairingWaitForRequest,
	"initiate": PairingInitiate,
}

var ioCaps = map[string]IOCapabilities{
	"display_only":       IOCapDisplayOnly,
	"display_yes_no":     IOCapDisplayYesNo,
	"keyboard_only":      IOCapKeyboardOnly,
	"no_input_no_output": IOCapNoInputNoOutput,
	"keyboard_display":   IOCapKeyboardDisplay,
}

var (
	// ErrPairingDisabled is returned for passcode requests when the pairing
	// mode is none.
	ErrPairingDisabled = errors.New("security: pairing disabled")
	// ErrNoPasscodeIO is returned when the io capabilities allow no
	// passcode entry.
	ErrNoPasscodeIO = errors.New("security: io capabilities allow no passcode")
)

func (m PairingMode) String() string {
	for name, v := range pairingModes {
		if v == m {
			return name
		}
	}
	return "unknown"
}

func (c IOCapabilities) String() string {
	for name, v := range ioCaps {
		if v == c {
			return name
		}
	}
	return "unknown"
}

// ParsePairingMode parses a configuration value such as "initiate".
func ParsePairingMode(s string) (PairingMode, error) {
	m, ok := pairingModes[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("security: unknown pairing mode %q", s)
	}
	return m, nil
}

// ParseIOCapabilities parses a configuration value such as "display_only".
func ParseIOCapabilities(s string) (IOCapabilities, error) {
	c, ok := ioCaps[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("security: unknown io capabilities %q", s)
	}
	return c, nil
}

// Params are the bond manager settings applied at start up.
type Params struct {
	Mode     PairingMode
	MITM     bool
	IOCaps   IOCapabilities
	Bonding  bool
	Passcode uint32
	// Secret, when set, replaces the fixed passcode with one derived per
	// peer address.
	Secret string
}

// Responder answers passcode requests.
type Responder struct {
	params Params
}

// NewResponder validates p and returns a responder for it.
func NewResponder(p Params) (*Responder, error) {
	if p.Passcode > MaxPasscode {
		return nil, fmt.Errorf("security: passcode %d has more than six digits", p.Passcode)
	}
	return &Responder{params: p}, nil
}

// Displays reports whether the device shows the passcode to the user.
func (p Params) Displays() bool {
	switch p.IOCaps {
	case IOCapDisplayOnly, IOCapDisplayYesNo, IOCapKeyboardDisplay:
		return true
	}
	return false
}

// String summarizes the settings, e.g. "initiate, display_only, mitm, bonding".
func (p Params) String() string {
	parts := []string{p.Mode.String(), p.IOCaps.String()}
	if p.MITM {
		parts = append(parts, "mitm")
	}
	if p.Bonding {
		parts = append(parts, "bonding")
	}
	return strings.Join(parts, ", ")
}

// Params returns the settings the responder was built with.
func (r *Responder) Params() Params { return r.params }

// Passcode returns the passcode for a pairing with addr. It fails when
// pairing is disabled or the io capabilities leave no way to enter one.
func (r *Responder) Passcode(addr link.Address) (uint32, error) {
	if r.params.Mode == PairingNone {
		return 0, ErrPairingDisabled
	}
	if r.params.IOCaps == IOCapNoInputNoOutput {
		return 0, ErrNoPasscodeIO
	}
	if r.params.Secret == "" {
		return r.params.Passcode, nil
	}
	return DerivePasscode([]byte(r.params.Secret), addr)
}

// DerivePasscode derives a six digit passcode from secret and the peer
// address with HKDF-SHA256. Both sides holding the secret compute the same
// value.
func DerivePasscode(secret []byte, addr link.Address) (uint32, error) {
	if len(secret) == 0 {
		return 0, fmt.Errorf("security: derive passcode: empty secret")
	}
	info := []byte("multirole passcode " + strings.ToUpper(string(addr)))
	kdf := hkdf.New(sha256.New, secret, nil, info)
	var buf [4]byte
	if _, err := io.ReadFull(kdf, buf[:]); err != nil {
		return 0, fmt.Errorf("security: HKDF: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]) % (MaxPasscode + 1), nil
}

// Format renders a passcode the way it is displayed: six digits, zero
// padded.
func Format(passcode uint32) string {
	return fmt.Sprintf("%06d", passcode)
}
