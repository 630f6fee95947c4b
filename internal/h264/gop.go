package h264

// MaxGOPBytes bounds the accumulated size of the current group-of-pictures.
// Crossing it clears the cache; a cache this large would make the late-join
// prefill too expensive to be useful anyway.
const MaxGOPBytes = 4 << 20

// maxPrefixUnits bounds the AUD/SEI units retained since the last VCL unit.
const maxPrefixUnits = 16

// GOPCache tracks the last parameter sets and the units composing the
// current group-of-pictures, so a late-joining subscriber can be handed a
// playable prefix: SPS, PPS, any AUD/SEI prefix, the IDR, and subsequent
// slices.
type GOPCache struct {
	lastSPS []byte
	lastPPS []byte
	prefix  [][]byte
	gop     [][]byte
	bytes   int
	hasIDR  bool
}

// NewGOPCache returns an empty cache.
func NewGOPCache() *GOPCache {
	return &GOPCache{}
}

// Update applies the GOP update rule (spec section 4.C) for one emitted NAL.
// It reports whether this call crossed MaxGOPBytes and cleared the cache;
// callers that want to warn on a genuine budget overflow should check this
// return value rather than inferring it from a byte-count decrease, since a
// new GOP's own reset to zero on every IDR looks identical to an overflow
// clear from the outside.
func (c *GOPCache) Update(nal NAL) bool {
	switch nal.Type {
	case TypeSPS:
		c.lastSPS = nal.Bytes
	case TypePPS:
		c.lastPPS = nal.Bytes
	case TypeSEI, TypeAUD:
		c.appendPrefix(nal.Bytes)
	case TypeIDRSlice:
		c.gop = nil
		c.bytes = 0
		if c.lastSPS != nil {
			c.appendGOP(c.lastSPS)
		}
		if c.lastPPS != nil {
			c.appendGOP(c.lastPPS)
		}
		for _, p := range c.prefix {
			c.appendGOP(p)
		}
		c.prefix = nil
		c.appendGOP(nal.Bytes)
		c.hasIDR = true
	case TypeNonIDRSlice:
		c.prefix = nil
		if c.hasIDR {
			c.appendGOP(nal.Bytes)
		}
	default:
		if c.hasIDR {
			c.appendGOP(nal.Bytes)
		}
	}

	if c.bytes > MaxGOPBytes {
		c.clear()
		return true
	}
	return false
}

func (c *GOPCache) appendPrefix(unit []byte) {
	c.prefix = append(c.prefix, unit)
	if len(c.prefix) > maxPrefixUnits {
		c.prefix = c.prefix[len(c.prefix)-maxPrefixUnits:]
	}
}

func (c *GOPCache) appendGOP(unit []byte) {
	c.gop = append(c.gop, unit)
	c.bytes += len(unit)
}

func (c *GOPCache) clear() {
	c.gop = nil
	c.bytes = 0
	c.hasIDR = false
}

// HasIDR reports whether an IDR has been broadcast since the last reset.
func (c *GOPCache) HasIDR() bool {
	return c.hasIDR
}

// Snapshot returns a copy of the current GOP's unit list (SPS, PPS, prefix,
// IDR, subsequent slices) suitable for a late-join prefill. The returned
// slice is decoupled from future mutation of the cache.
func (c *GOPCache) Snapshot() [][]byte {
	if len(c.gop) == 0 {
		return nil
	}
	out := make([][]byte, len(c.gop))
	copy(out, c.gop)
	return out
}

// ByteCount returns the accumulated size of the current GOP, for logging and
// budget diagnostics.
func (c *GOPCache) ByteCount() int {
	return c.bytes
}
