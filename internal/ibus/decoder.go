package ibus

import (
	"bytes"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-ibus-server/internal/logging"
	"github.com/kstaniek/go-ibus-server/internal/metrics"
)

const (
	// DefaultMaxBuffer is the buffered byte count above which an unproductive
	// buffer is truncated.
	DefaultMaxBuffer = 500
	// DefaultKeepOnOverflow is how many trailing bytes survive a truncation.
	DefaultKeepOnOverflow = 300
)

// Stats are cumulative decoder counters. Safe to read from any goroutine.
type Stats struct {
	Frames             uint64
	ChecksumMismatches uint64
	Recoveries         uint64
	DiscardedBytes     uint64
}

// Decoder turns an arbitrarily chunked byte stream into validated Messages.
//
// Feed must only be called from one goroutine at a time; overlapping calls are
// rejected and logged rather than serialized.
type Decoder struct {
	buf bytes.Buffer
	// scanned is the count of leading buffered bytes already rejected as frame starts
	scanned   int
	maxBuffer int
	keep      int
	now       func() time.Time
	onRecover func(dropped int)
	logger    *slog.Logger
	// busMetrics reports into the process-wide bus counters; relay-side decoders opt out
	busMetrics bool

	feeding atomic.Bool

	frames     atomic.Uint64
	mismatches atomic.Uint64
	recoveries atomic.Uint64
	discarded  atomic.Uint64
}

type DecoderOption func(*Decoder)

// WithLimits sets the overflow bound and the recovery window kept after truncation.
// Invalid combinations are ignored.
func WithLimits(maxBuffer, keep int) DecoderOption {
	return func(d *Decoder) {
		if maxBuffer >= MinFrameLen && keep > 0 && keep < maxBuffer {
			d.maxBuffer, d.keep = maxBuffer, keep
		}
	}
}

// WithClock overrides the time source used for Message.ObservedAt.
func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// WithRecoveryHook is invoked after each overflow truncation with the dropped byte count.
func WithRecoveryHook(fn func(dropped int)) DecoderOption {
	return func(d *Decoder) { d.onRecover = fn }
}

// WithBusMetrics controls whether frames, checksum mismatches and recoveries
// are reported to the global bus counters. Decoders that do not read the bus
// itself should disable it.
func WithBusMetrics(enabled bool) DecoderOption {
	return func(d *Decoder) { d.busMetrics = enabled }
}

func WithLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		maxBuffer:  DefaultMaxBuffer,
		keep:       DefaultKeepOnOverflow,
		now:        nowFunc,
		logger:     logging.Component("decoder"),
		busMetrics: true,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Feed appends chunk to the internal buffer and returns every message completed
// by it, in wire order. Unconsumed bytes are kept for the next call.
func (d *Decoder) Feed(chunk []byte) []Message {
	if len(chunk) == 0 {
		return nil
	}
	if !d.feeding.CompareAndSwap(false, true) {
		metrics.IncError(metrics.ErrDecoderReentry)
		d.logger.Error("decoder_reentrant_feed", "dropped", len(chunk))
		return nil
	}
	defer d.feeding.Store(false)

	_, _ = d.buf.Write(chunk)
	data := d.buf.Bytes()
	if len(data) < MinFrameLen {
		return nil
	}

	var (
		out        []Message
		end        int
		mismatches int
		at         = d.now()
	)
	i := d.scanned
	for i+MinFrameLen <= len(data) {
		fr, res := Extract(data, i)
		if res == Valid {
			out = append(out, fr.message(at))
			i += fr.Size()
			end = i
			continue
		}
		if res == Incomplete {
			// every later candidate starts inside this frame's span; wait for it to resolve
			break
		}
		if res == BadChecksum {
			mismatches++
		}
		// slide one byte: the byte at i is treated as noise
		i++
	}

	d.scanned = i - end
	if end > 0 {
		d.buf.Next(end)
	}
	// applies after productive calls too, a long unresolved tail is still bounded
	if d.buf.Len() > d.maxBuffer {
		d.truncate()
	}
	compact(&d.buf, d.maxBuffer)

	if mismatches > 0 {
		d.mismatches.Add(uint64(mismatches))
		if d.busMetrics {
			metrics.AddChecksumMismatch(mismatches)
		}
	}
	if len(out) > 0 {
		d.frames.Add(uint64(len(out)))
		if d.busMetrics {
			metrics.AddRx(len(out))
		}
	}
	return out
}

// truncate keeps only the last keep bytes. Data loss is real here and is
// counted, logged and reported to the recovery hook.
func (d *Decoder) truncate() {
	dropped := d.buf.Len() - d.keep
	d.buf.Next(dropped)
	d.scanned = max(d.scanned-dropped, 0)
	d.recoveries.Add(1)
	d.discarded.Add(uint64(dropped))
	if d.busMetrics {
		metrics.AddDecoderRecovery(dropped)
	}
	d.logger.Warn("decoder_overflow_recovery", "dropped", dropped, "kept", d.buf.Len())
	if d.onRecover != nil {
		d.onRecover(dropped)
	}
}

// Buffered returns the number of bytes awaiting more data.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Reset discards buffered bytes. Counters are kept.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.scanned = 0
	compact(&d.buf, d.maxBuffer)
}

func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:             d.frames.Load(),
		ChecksumMismatches: d.mismatches.Load(),
		Recoveries:         d.recoveries.Load(),
		DiscardedBytes:     d.discarded.Load(),
	}
}

// compact reclaims consumed prefix capacity once the backing array is much
// larger than both the unread bytes and the decoder bound.
func compact(b *bytes.Buffer, bound int) {
	data := b.Bytes()
	c := cap(data)
	if c <= 8*bound || len(data)*4 >= c {
		return
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	*b = *bytes.NewBuffer(clone)
}
