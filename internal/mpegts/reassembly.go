package mpegts

import (
	"maps"
	"slices"
)

// pidBuffer collects the packets of one PID until its unit is complete.
type pidBuffer struct {
	packets []packet
	// lost is set when packets were dropped since the last unit start.
	lost bool
}

// push adds p and returns the packets of a unit it completed, if any.
// A unit ends when the next one starts, or for PSI as soon as its
// sections are whole.
func (b *pidBuffer) push(p packet, psi bool) []packet {
	if p.errored {
		b.drop()
		return nil
	}
	if !p.hasPayload {
		return nil
	}
	if n := len(b.packets); n > 0 && !p.signalled {
		switch last := b.packets[n-1].cc; p.cc {
		case (last + 1) & 0x0F:
		case last:
			return nil
		default:
			b.drop()
		}
	}

	var done []packet
	if p.start && len(b.packets) > 0 {
		done, b.packets = b.packets, nil
	}
	if len(b.packets) == 0 {
		if !p.start {
			// The start of this unit was never seen.
			b.lost = true
			return done
		}
		p.gap = b.lost || p.signalled
		b.lost = false
	}
	b.packets = append(b.packets, p)

	if done == nil && psi {
		if _, complete := splitSections(joinPayloads(b.packets)); complete {
			done, b.packets = b.packets, nil
		}
	}
	return done
}

func (b *pidBuffer) drop() {
	b.packets = nil
	b.lost = true
}

// reassembler keeps one pidBuffer per PID.
type reassembler struct {
	bufs map[uint16]*pidBuffer
}

func newReassembler() *reassembler {
	return &reassembler{bufs: make(map[uint16]*pidBuffer)}
}

func (r *reassembler) push(p packet, psi bool) []packet {
	b := r.bufs[p.pid]
	if b == nil {
		b = &pidBuffer{}
		r.bufs[p.pid] = b
	}
	return b.push(p, psi)
}

// flush returns the pending units in PID order, so a final PAT comes
// before the PMTs it names.
func (r *reassembler) flush() [][]packet {
	var out [][]packet
	for _, pid := range slices.Sorted(maps.Keys(r.bufs)) {
		if b := r.bufs[pid]; len(b.packets) > 0 {
			out = append(out, b.packets)
			b.packets = nil
		}
	}
	return out
}
