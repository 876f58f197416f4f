package ffrtc

// linearResampler converts interleaved int16 audio between sample rates by
// linear interpolation. State carries across calls so block boundaries do
// not click.
type linearResampler struct {
	step     float64 // input frames per output frame
	channels int
	pos      float64 // next output position, relative to the current block
	last     []int16 // final frame of the previous block
}

func newLinearResampler(inRate, outRate, channels int) *linearResampler {
	return &linearResampler{
		step:     float64(inRate) / float64(outRate),
		channels: channels,
		last:     make([]int16, channels),
	}
}

// Process resamples one interleaved block and appends the result to out.
func (r *linearResampler) Process(out, in []int16) []int16 {
	ch := r.channels
	n := len(in) / ch
	if n == 0 {
		return out
	}

	sample := func(i, c int) int16 {
		if i < 0 {
			return r.last[c]
		}
		return in[i*ch+c]
	}

	t := r.pos
	for t < float64(n-1) {
		i := int(t)
		if t < 0 {
			i = -1
		}
		frac := t - float64(i)
		for c := 0; c < ch; c++ {
			a := float64(sample(i, c))
			b := float64(sample(i+1, c))
			out = append(out, int16(a+(b-a)*frac))
		}
		t += r.step
	}

	r.pos = t - float64(n)
	copy(r.last, in[(n-1)*ch:n*ch])
	return out
}
