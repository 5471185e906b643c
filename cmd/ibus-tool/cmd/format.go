package cmd

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/registry"
)

var (
	timeColor = color.New(color.FgHiBlack).SprintFunc()
	srcColor  = color.New(color.FgGreen).SprintFunc()
	dstColor  = color.New(color.FgYellow).SprintFunc()
	cmdColor  = color.New(color.FgCyan, color.Bold).SprintFunc()
	rawColor  = color.New(color.FgHiBlue).SprintfFunc()
)

// formatMessage renders one monitor line: time, decoded text, raw frame.
func formatMessage(reg *registry.Registry, m ibus.Message, showRaw bool) string {
	line := fmt.Sprintf("%s %s -> %s", timeColor(m.ObservedAt.Format("15:04:05.000")),
		srcColor(reg.DeviceName(m.Src)), dstColor(reg.DeviceName(m.Dst)))
	if len(m.Payload) > 0 {
		desc := reg.Describe(m)
		// Describe repeats the addresses; keep only the command part
		prefix := fmt.Sprintf("%s -> %s ", reg.DeviceName(m.Src), reg.DeviceName(m.Dst))
		line += " " + cmdColor(desc[len(prefix):])
	}
	if showRaw {
		line += " " + rawColor("| % X", m.Bytes())
	}
	return line
}

// matchFilter reports whether m passes the src/dst device filters; nil filters match all.
func matchFilter(m ibus.Message, src, dst *byte) bool {
	if src != nil && m.Src != *src {
		return false
	}
	if dst != nil && m.Dst != *dst {
		return false
	}
	return true
}
