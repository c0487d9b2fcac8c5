package rx

import (
	"errors"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/rxstat"
)

// drain reaps completions until quota is used up, the ring runs dry or
// limit buffers were reaped at an MPDU boundary. Reaped buffers end up in
// e.frames; per-pool counts in e.reaped.
func (e *Engine) drain(quota *uint32, limit uint32) (reaped uint32) {
	e.prevLast = true
	if err := e.ring.AccessStart(); err != nil {
		e.stats.Inc(rxstat.RingAccessFail)
		e.warnf("ring access failed: %v", err)
		return 0
	}
	defer e.ring.AccessEnd()

	for *quota > 0 {
		s, ok := e.ring.Peek()
		if !ok {
			break
		}
		if s.Invalidated {
			// Hardware has not rewritten the slot yet; retry on the next
			// invocation, up to StaleRetryLimit times in a row.
			e.stats.Inc(rxstat.StaleCookie)
			if e.staleRetries++; e.staleRetries <= e.conf.StaleRetryLimit {
				e.warnf("stale slot %s, retrying", s.Cookie)
				e.closeOpen()
				return reaped
			}
			e.staleRetries = 0
			e.warnf("stale slot %s never rewritten, skipping", s.Cookie)
			e.ring.Advance()
			continue
		}
		e.staleRetries = 0

		if s.Status != hal.StatusOK {
			e.stats.Inc(rxstat.HALReoError)
			e.fatal(FatalSlotError, s.Cookie)
		}

		d, err := e.resolve(s)
		switch {
		case errors.Is(err, desc.ErrStaleCookie):
			// The cookie names an earlier posting of a descriptor that has
			// been reaped and reposted since: a duplicate completion.
			e.stats.Inc(rxstat.HALReoDestDup)
			e.warnf("cookie %s: completion of an earlier posting", s.Cookie)
			e.ring.Advance()
			continue
		case errors.Is(err, ErrUnknownPool):
			e.stats.Inc(rxstat.DescSanityFail)
			e.warnf("cookie %s: %v", s.Cookie, err)
			e.ring.Advance()
			continue
		case err != nil:
			e.stats.Inc(rxstat.InvalidCookie)
			e.warnf("cookie %s: %v", s.Cookie, err)
			e.ring.Advance()
			continue
		}

		if !d.InUse {
			e.stats.Inc(rxstat.HALReoDestDup)
			e.warnf("reaping descriptor %s not in use", s.Cookie)
			e.ring.Advance()
			continue
		}
		if b := d.Buffer(); b == nil || !b.Mapped() || d.Unmapped ||
			(s.BufAddr != 0 && b.DMA() != s.BufAddr) {
			e.stats.Inc(rxstat.NbufSanityFail)
			e.warnf("descriptor %s: buffer does not match completion", s.Cookie)
			d.InErrState = true
			e.ring.Advance()
			continue
		}
		if !d.CheckMagic() {
			e.stats.Inc(rxstat.InvalidMagic)
			e.warnf("descriptor %s: invalid magic %#x", s.Cookie, d.Magic)
			if !e.conf.MagicCheckLogOnly {
				d.InErrState = true
				e.ring.Advance()
				continue
			}
		}

		cont := s.MSDUFlags&hal.MSDUContinuation != 0
		if cont && e.prevLast {
			// First buffer of a scattered MPDU: only start on it when the
			// whole MPDU is already on the ring.
			if e.scatterNeed(s.MSDULen) > e.ring.NumValid() {
				e.stats.Inc(rxstat.ScatterWaitBreak)
				break
			}
			e.prevLast = false
		}
		if !e.prevLast && s.MSDUFlags&hal.MSDULast != 0 {
			e.prevLast = true
		}

		slot := *s
		e.ring.Advance()

		b, err := e.pools[d.PoolID].pool.Reap(d, e.mapper)
		if err != nil {
			// Lost a race with another ring reaping the same descriptor.
			e.stats.Inc(rxstat.HALReoDestDup)
			e.warnf("descriptor %s: %v", slot.Cookie, err)
			continue
		}
		e.reaped[d.PoolID]++
		reaped++
		e.stats.Inc(rxstat.Reaped)
		e.assemble(b, &slot)

		if !cont {
			*quota--
		}
		if e.prevLast && reaped >= limit {
			break
		}
	}
	e.closeOpen()
	return reaped
}

// resolve maps a completion to its descriptor, through hardware cookie
// conversion when the slot carries it.
func (e *Engine) resolve(s *hal.Slot) (*desc.Descriptor, error) {
	var d *desc.Descriptor
	if e.caps.HWCookieConversion && s.Converted {
		if err := desc.CheckStale(s.Desc, s.Cookie); err != nil {
			return nil, err
		}
		d = s.Desc
	} else {
		var err error
		if d, err = e.table.Resolve(s.Cookie); err != nil {
			return nil, err
		}
	}
	if e.pools[d.PoolID] == nil {
		return nil, ErrUnknownPool
	}
	return d, nil
}

// scatterNeed estimates the buffers an MSDU of n bytes spans.
func (e *Engine) scatterNeed(n uint16) uint32 {
	room := e.conf.payloadSize()
	return uint32((int(n) + room - 1) / room)
}
