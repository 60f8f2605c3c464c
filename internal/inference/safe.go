package inference

import "fmt"

// The generation loop runs models and samplers supplied by callers. Panics
// from them are returned as errors so a bad component cannot take down a
// server goroutine.

func safeForward(m Forwarder, token, pos int) (logits []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward(token=%d, pos=%d): %v", token, pos, rec)
		}
	}()
	return m.Forward(token, pos), nil
}

func safeSample(s TokenSampler, logits []float32) (next int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Sample: %v", rec)
		}
	}()
	return s.Sample(logits), nil
}

func safeEncode(t Tokenizer, text string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return t.Encode(text, true, false), nil
}
