package session

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Device is the client platform that opened a session.
// The set of variants is closed: PC, Mac, IPhone and Android.
type Device interface {
	// Kind returns the stable variant tag ("pc", "mac", "iphone", "android").
	Kind() string
	device()
}

type PC struct {
	Name string
}

type Mac struct {
	OSVersion string
	Name      string
}

type IPhone struct {
	OSVersion   string
	DeviceModel string
}

type Android struct {
	OSVersion string
	Name      string
}

func (PC) Kind() string      { return "pc" }
func (Mac) Kind() string     { return "mac" }
func (IPhone) Kind() string  { return "iphone" }
func (Android) Kind() string { return "android" }

func (PC) device()      {}
func (Mac) device()     {}
func (IPhone) device()  {}
func (Android) device() {}

// MaxDeviceFieldBytes bounds every device attribute.
const MaxDeviceFieldBytes = 256

// fields returns the variant rank and its attributes in declaration order.
// ok is false for nil and for anything that is not one of the value variants.
func fields(d Device) (rank int, vals []string, ok bool) {
	switch v := d.(type) {
	case PC:
		return 0, []string{v.Name}, true
	case Mac:
		return 1, []string{v.OSVersion, v.Name}, true
	case IPhone:
		return 2, []string{v.OSVersion, v.DeviceModel}, true
	case Android:
		return 3, []string{v.OSVersion, v.Name}, true
	default:
		return 0, nil, false
	}
}

// ValidateDevice rejects nil, pointer variants and attributes that are
// oversized, not valid UTF-8 or contain NUL. Every backend stores attributes
// as JSON text, which cannot carry either byte sequence unchanged.
func ValidateDevice(d Device) error {
	_, vals, ok := fields(d)
	if !ok {
		return fmt.Errorf("unsupported device %T", d)
	}
	for _, v := range vals {
		switch {
		case len(v) > MaxDeviceFieldBytes:
			return fmt.Errorf("%s device attribute exceeds %d bytes", d.Kind(), MaxDeviceFieldBytes)
		case !utf8.ValidString(v):
			return fmt.Errorf("%s device attribute is not valid UTF-8", d.Kind())
		case strings.IndexByte(v, 0) >= 0:
			return fmt.Errorf("%s device attribute contains NUL", d.Kind())
		}
	}
	return nil
}

// DeviceEqual reports structural equality: same variant, same attributes.
func DeviceEqual(a, b Device) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// CompareDevices orders devices by variant (pc < mac < iphone < android) and
// then by attributes in declaration order.
// Unsupported values sort first.
func CompareDevices(a, b Device) int {
	ra, va, oka := fields(a)
	rb, vb, okb := fields(b)
	switch {
	case !oka || !okb:
		return cmp.Compare(boolRank(oka), boolRank(okb))
	case ra != rb:
		return cmp.Compare(ra, rb)
	default:
		return slices.Compare(va, vb)
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DeviceKey is a stable identity string for a device, e.g. `mac|"14.4"|"studio"`.
// Two devices have the same key iff DeviceEqual reports true.
func DeviceKey(d Device) string {
	_, vals, ok := fields(d)
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString(d.Kind())
	for _, v := range vals {
		b.WriteByte('|')
		b.WriteString(strconv.Quote(v))
	}
	return b.String()
}

type deviceJSON struct {
	Kind        string `json:"kind"`
	Name        string `json:"name,omitempty"`
	OSVersion   string `json:"os_version,omitempty"`
	DeviceModel string `json:"device_model,omitempty"`
}

// MarshalDevice encodes d as {"kind":...} plus the variant attributes.
func MarshalDevice(d Device) ([]byte, error) {
	var w deviceJSON
	switch v := d.(type) {
	case PC:
		w = deviceJSON{Kind: v.Kind(), Name: v.Name}
	case Mac:
		w = deviceJSON{Kind: v.Kind(), OSVersion: v.OSVersion, Name: v.Name}
	case IPhone:
		w = deviceJSON{Kind: v.Kind(), OSVersion: v.OSVersion, DeviceModel: v.DeviceModel}
	case Android:
		w = deviceJSON{Kind: v.Kind(), OSVersion: v.OSVersion, Name: v.Name}
	default:
		return nil, &OpError{Op: "session.MarshalDevice", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unsupported device %T", d)}
	}
	return json.Marshal(w)
}

// ParseDevice decodes the MarshalDevice form. Unknown kinds are ErrInvalidInput.
func ParseDevice(b []byte) (Device, error) {
	const op = "session.ParseDevice"

	var w deviceJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, &OpError{Op: op, Kind: ErrInvalidInput, Msg: "malformed device", Err: err}
	}

	var d Device
	switch w.Kind {
	case "pc":
		d = PC{Name: w.Name}
	case "mac":
		d = Mac{OSVersion: w.OSVersion, Name: w.Name}
	case "iphone":
		d = IPhone{OSVersion: w.OSVersion, DeviceModel: w.DeviceModel}
	case "android":
		d = Android{OSVersion: w.OSVersion, Name: w.Name}
	default:
		return nil, &OpError{Op: op, Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown device kind %q", w.Kind)}
	}
	if err := ValidateDevice(d); err != nil {
		return nil, &OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}
	return d, nil
}
