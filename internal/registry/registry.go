// Package registry holds the read-only lookup tables that sit on top of the
// frame layer: device addresses, command ids and the per-command payload codecs.
// The core never consults it; tools and logging do.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
)

var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrUnknownSubCommand = errors.New("unknown sub-command")
	ErrMissingField      = errors.New("missing field")
	ErrFieldRange        = errors.New("field out of range")
	ErrShortPayload      = errors.New("payload too short")
	ErrMalformed         = errors.New("malformed payload")
)

// Fields carries decoded or to-be-encoded application values by name.
type Fields map[string]int

// Entry is one row of a name table.
type Entry struct {
	ID          byte
	Name        string
	Description string
}

// Codec packs and unpacks the payload of one command. Encode returns the full
// payload including the command byte; Decode receives it likewise.
type Codec struct {
	Encode func(Fields) ([]byte, error)
	Decode func(payload []byte) (Fields, error)
}

// Decoded is the registry's view of a payload.
type Decoded struct {
	Command byte
	Name    string
	// Known is false when no codec exists; Fields is then nil and Raw holds the bytes after the command.
	Known  bool
	Fields Fields
	Raw    []byte
}

// Registry is built once and shared read-only.
type Registry struct {
	devices  map[byte]Entry
	commands map[byte]Entry
	byName   map[string]byte
	devByNam map[string]byte
	codecs   map[byte]Codec
}

var std = build()

// Default returns the shared registry.
func Default() *Registry { return std }

func build() *Registry {
	r := &Registry{
		devices:  make(map[byte]Entry, len(deviceTable)),
		commands: make(map[byte]Entry, len(commandTable)),
		byName:   make(map[string]byte, len(commandTable)),
		devByNam: make(map[string]byte, len(deviceTable)),
		codecs:   codecTable(),
	}
	for _, e := range deviceTable {
		r.devices[e.ID] = e
		r.devByNam[strings.ToUpper(e.Name)] = e.ID
	}
	for _, e := range commandTable {
		// a few ids carry two names; the first listed wins for reverse lookup
		if _, dup := r.commands[e.ID]; !dup {
			r.commands[e.ID] = e
		}
		r.byName[strings.ToLower(e.Name)] = e.ID
	}
	return r
}

// DeviceName returns the short device name for an address, or its hex form.
func (r *Registry) DeviceName(id byte) string {
	if e, ok := r.devices[id]; ok {
		return e.Name
	}
	return fmt.Sprintf("%02X", id)
}

// DeviceID resolves a device name (case-insensitive) or a hex literal like "68" / "0x68".
func (r *Registry) DeviceID(s string) (byte, bool) {
	if id, ok := r.devByNam[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return id, true
	}
	return parseHexByte(s)
}

// CommandName returns the command name for an id, or "Unknown(XX)".
func (r *Registry) CommandName(id byte) string {
	if e, ok := r.commands[id]; ok {
		return e.Name
	}
	return fmt.Sprintf("Unknown(%02X)", id)
}

// CommandID resolves a command name (case-insensitive) or a hex literal.
func (r *Registry) CommandID(s string) (byte, bool) {
	if id, ok := r.byName[strings.ToLower(strings.TrimSpace(s))]; ok {
		return id, true
	}
	return parseHexByte(s)
}

// Devices lists the device table ordered by address.
func (r *Registry) Devices() []Entry { return sorted(r.devices) }

// Commands lists the command table ordered by id.
func (r *Registry) Commands() []Entry { return sorted(r.commands) }

// HasCodec reports whether cmd has a payload codec.
func (r *Registry) HasCodec(cmd byte) bool { _, ok := r.codecs[cmd]; return ok }

// Encode builds the payload for cmd from fields.
func (r *Registry) Encode(cmd byte, f Fields) ([]byte, error) {
	c, ok := r.codecs[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %02X", ErrUnknownCommand, cmd)
	}
	return c.Encode(f)
}

// Request encodes cmd and wraps it in an outbound request.
func (r *Registry) Request(src, dst, cmd byte, f Fields) (ibus.OutboundRequest, error) {
	p, err := r.Encode(cmd, f)
	if err != nil {
		return ibus.OutboundRequest{}, err
	}
	req := ibus.OutboundRequest{Src: src, Dst: dst, Payload: p}
	return req, req.Validate()
}

// Decode interprets payload by its first byte. Commands without a codec decode
// to Known=false rather than an error.
func (r *Registry) Decode(payload []byte) (Decoded, error) {
	if len(payload) == 0 {
		return Decoded{}, ErrShortPayload
	}
	d := Decoded{Command: payload[0], Name: r.CommandName(payload[0])}
	c, ok := r.codecs[payload[0]]
	if !ok {
		d.Raw = payload[1:]
		return d, nil
	}
	f, err := c.Decode(payload)
	if err != nil {
		return d, fmt.Errorf("%s: %w", d.Name, err)
	}
	d.Known, d.Fields = true, f
	return d, nil
}

// Describe renders m for humans: "IKE -> ANZV ANZVUpdate hours=16 minutes=21 seconds=0".
func (r *Registry) Describe(m ibus.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s", r.DeviceName(m.Src), r.DeviceName(m.Dst))
	cmd, ok := m.Command()
	if !ok {
		return b.String()
	}
	d, err := r.Decode(m.Payload)
	b.WriteByte(' ')
	b.WriteString(r.CommandName(cmd))
	switch {
	case err != nil:
		fmt.Fprintf(&b, " [% X] (%v)", m.Payload[1:], err)
	case d.Known:
		keys := make([]string, 0, len(d.Fields))
		for k := range d.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%d", k, d.Fields[k])
		}
	case len(d.Raw) > 0:
		fmt.Fprintf(&b, " [% X]", d.Raw)
	}
	return b.String()
}

func sorted(m map[byte]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func parseHexByte(s string) (byte, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
