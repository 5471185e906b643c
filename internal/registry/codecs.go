package registry

import "fmt"

// ANZV sub-commands.
const (
	ANZVTime byte = 0x01
	ANZVDate byte = 0x02
)

type bitField struct {
	name  string
	shift uint
	mask  byte
}

// packed is a command whose single data byte (or bytes) are bit fields.
type packed [][]bitField

func (p packed) codec(cmd byte) Codec {
	return Codec{
		Encode: func(f Fields) ([]byte, error) {
			out := make([]byte, 1+len(p))
			out[0] = cmd
			for i, fields := range p {
				for _, bf := range fields {
					v, err := need(f, bf.name, 0, int(bf.mask))
					if err != nil {
						return nil, err
					}
					out[i+1] |= byte(v) << bf.shift
				}
			}
			return out, nil
		},
		Decode: func(payload []byte) (Fields, error) {
			if len(payload) < 1+len(p) {
				return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortPayload, len(payload), 1+len(p))
			}
			f := Fields{}
			for i, fields := range p {
				for _, bf := range fields {
					f[bf.name] = int(payload[i+1]>>bf.shift) & int(bf.mask)
				}
			}
			return f, nil
		},
	}
}

func codecTable() map[byte]Codec {
	button := packed{{{"released", 7, 0x01}, {"hold", 6, 0x01}, {"id", 0, 0x3F}}}
	return map[byte]Codec{
		CmdDeviceStatusReq: packed{}.codec(CmdDeviceStatusReq),
		CmdDeviceStatus:    packed{{{"status", 0, 0xFF}}}.codec(CmdDeviceStatus),
		// power: off 0, on 1; source: NavGT 0, TV 1, VidGT 2;
		// encoding: NTSC 1, PAL 2; aspect: 4:3 0, 16:9 1, zoom 3
		CmdGTMonitorCtrl: packed{
			{{"power", 4, 0x01}, {"source", 0, 0x03}},
			{{"aspect", 4, 0x03}, {"encoding", 0, 0x03}},
		}.codec(CmdGTMonitorCtrl),
		// turn: left 0, right 1
		CmdKnob:       packed{{{"turn", 7, 0x01}, {"step", 0, 0x7F}}}.codec(CmdKnob),
		CmdBMBTB0:     button.codec(CmdBMBTB0),
		CmdBMBTB1:     button.codec(CmdBMBTB1),
		CmdANZVUpdate: {Encode: encodeANZV, Decode: decodeANZV},
	}
}

// Layout of each ANZV sub-command as fixed-width ASCII decimal fields.
var anzvLayouts = map[byte][]digitField{
	ANZVTime: {{"hours", 2}, {"minutes", 2}, {"seconds", 2}},
	ANZVDate: {{"day", 2}, {"month", 2}, {"year", 4}},
}

type digitField struct {
	name  string
	width int
}

func encodeANZV(f Fields) ([]byte, error) {
	sub, err := need(f, "sub", 0, 0xFF)
	if err != nil {
		return nil, err
	}
	layout, ok := anzvLayouts[byte(sub)]
	if !ok {
		return nil, fmt.Errorf("%w: ANZVUpdate %02X", ErrUnknownSubCommand, sub)
	}
	out := []byte{CmdANZVUpdate, byte(sub)}
	for _, df := range layout {
		v, err := need(f, df.name, 0, pow10(df.width)-1)
		if err != nil {
			return nil, err
		}
		out = appendDigits(out, v, df.width)
	}
	return out, nil
}

func decodeANZV(payload []byte) (Fields, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: ANZVUpdate needs a sub-command", ErrShortPayload)
	}
	sub := payload[1]
	f := Fields{"sub": int(sub)}
	layout, ok := anzvLayouts[sub]
	if !ok {
		// unknown layouts still report the sub-command
		return f, nil
	}
	data := payload[2:]
	for _, df := range layout {
		if len(data) < df.width {
			return nil, fmt.Errorf("%w: %s", ErrShortPayload, df.name)
		}
		v, err := parseDigits(data[:df.width])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", df.name, err)
		}
		f[df.name] = v
		data = data[df.width:]
	}
	return f, nil
}

func appendDigits(b []byte, v, width int) []byte {
	for d := pow10(width - 1); d > 0; d /= 10 {
		b = append(b, byte('0'+v/d%10))
	}
	return b
}

func parseDigits(b []byte) (int, error) {
	v := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q is not a digit", ErrMalformed, c)
		}
		v = v*10 + int(c-'0')
	}
	return v, nil
}

func pow10(n int) int {
	v := 1
	for ; n > 0; n-- {
		v *= 10
	}
	return v
}

func need(f Fields, name string, lo, hi int) (int, error) {
	v, ok := f[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s=%d not in [%d,%d]", ErrFieldRange, name, v, lo, hi)
	}
	return v, nil
}
