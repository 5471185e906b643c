package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/registry"
)

// parseDevice accepts a device name ("RAD") or a hex address ("68", "0x68").
func parseDevice(reg *registry.Registry, s string) (byte, error) {
	id, ok := reg.DeviceID(s)
	if !ok {
		return 0, fmt.Errorf("unknown device %q", s)
	}
	return id, nil
}

// parseHexBytes decodes "48 05", "48:05", "4805" or "0x48 0x05".
func parseHexBytes(args ...string) ([]byte, error) {
	var b strings.Builder
	for _, a := range args {
		for _, f := range strings.FieldsFunc(a, func(r rune) bool { return r == ' ' || r == ':' || r == ',' }) {
			f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
			if len(f)%2 == 1 {
				f = "0" + f
			}
			b.WriteString(f)
		}
	}
	out, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("bad hex payload: %w", err)
	}
	return out, nil
}

// parseFields turns "hours=16 minutes=21" into registry fields. Values may be
// decimal or 0x-prefixed hex.
func parseFields(args []string) (registry.Fields, error) {
	f := registry.Fields{}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("bad field %q, want name=value", a)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		f[k] = int(n)
	}
	return f, nil
}

// buildRaw resolves "SRC DST PAYLOAD..." into a request.
func buildRaw(reg *registry.Registry, args []string) (ibus.OutboundRequest, error) {
	if len(args) < 2 {
		return ibus.OutboundRequest{}, fmt.Errorf("need SRC DST [PAYLOAD]")
	}
	src, err := parseDevice(reg, args[0])
	if err != nil {
		return ibus.OutboundRequest{}, err
	}
	dst, err := parseDevice(reg, args[1])
	if err != nil {
		return ibus.OutboundRequest{}, err
	}
	payload, err := parseHexBytes(args[2:]...)
	if err != nil {
		return ibus.OutboundRequest{}, err
	}
	req := ibus.OutboundRequest{Src: src, Dst: dst, Payload: payload}
	return req, req.Validate()
}

// buildCommand resolves "SRC DST COMMAND field=value..." through the registry codecs.
func buildCommand(reg *registry.Registry, args []string) (ibus.OutboundRequest, error) {
	if len(args) < 3 {
		return ibus.OutboundRequest{}, fmt.Errorf("need SRC DST COMMAND [field=value...]")
	}
	src, err := parseDevice(reg, args[0])
	if err != nil {
		return ibus.OutboundRequest{}, err
	}
	dst, err := parseDevice(reg, args[1])
	if err != nil {
		return ibus.OutboundRequest{}, err
	}
	cmd, ok := reg.CommandID(args[2])
	if !ok {
		return ibus.OutboundRequest{}, fmt.Errorf("%w: %q", registry.ErrUnknownCommand, args[2])
	}
	fields, err := parseFields(args[3:])
	if err != nil {
		return ibus.OutboundRequest{}, err
	}
	return reg.Request(src, dst, cmd, fields)
}
