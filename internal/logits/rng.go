package logits

// xorshift is the xorshift64* generator used by llama2 samplers. A zero
// state is a fixed point and produces only zeros; callers should seed with a
// non-zero value.
type xorshift struct {
	state uint64
}

func (r *xorshift) uint32() uint32 {
	r.state ^= r.state >> 12
	r.state ^= r.state << 25
	r.state ^= r.state >> 27
	return uint32((r.state * 0x2545F4914F6CDD1D) >> 32)
}

// float32 returns a value in [0, 1) built from the top 24 bits of uint32.
func (r *xorshift) float32() float32 {
	return float32(r.uint32()>>8) / 16777216.0
}
