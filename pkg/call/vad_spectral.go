package call

import (
	"context"
	"math"
)

// Speech band bounds in Hz. Fundamentals and the first formants of
// human speech fall between these.
const (
	speechBandLow  = 85
	speechBandHigh = 3000
)

// spectralVAD decides per frame whether the energy concentrated in the
// speech band dominates the frame. Two checks have to pass: the band
// must hold at least SpectralRatio of the total energy, and its average
// magnitude must clear SpectralFloor so near-silent frames with a noisy
// ratio are rejected. Hysteresis is asymmetric: entering speech takes
// SpeechFrames consecutive hits, leaving takes SilenceFrames misses, so
// brief pauses inside a word do not end the detection.
type spectralVAD struct {
	opts backendOpts
	done chan struct{}
}

func newSpectralVAD(opts backendOpts) *spectralVAD {
	return &spectralVAD{opts: opts, done: make(chan struct{})}
}

func (v *spectralVAD) Name() string { return "spectral" }

func (v *spectralVAD) Start(ctx context.Context) error {
	frames, err := v.opts.source.Start(ctx)
	if err != nil {
		close(v.done)
		return err
	}
	go v.run(frames)
	return nil
}

func (v *spectralVAD) run(frames <-chan []byte) {
	defer close(v.done)
	cfg := v.opts.cfg
	speechFrames := cfg.SpeechFrames
	if speechFrames <= 0 {
		speechFrames = 1
	}
	silenceFrames := cfg.SilenceFrames
	if silenceFrames <= 0 {
		silenceFrames = 1
	}
	var hits, misses int
	speaking := false
	for frame := range frames {
		v.opts.onFrame(frame)
		if v.frameIsSpeech(frame) {
			hits++
			misses = 0
		} else {
			misses++
			hits = 0
		}
		if !speaking && hits >= speechFrames {
			speaking = true
			v.opts.onSpeech(true)
		} else if speaking && misses >= silenceFrames {
			speaking = false
			v.opts.onSpeech(false)
		}
	}
}

func (v *spectralVAD) frameIsSpeech(frame []byte) bool {
	samples := pcmToFloat(frame)
	if len(samples) == 0 {
		return false
	}
	// By Parseval the total spectral energy equals the time-domain
	// energy, so only the band needs a transform.
	var total float64
	for _, s := range samples {
		total += s * s
	}
	if total == 0 {
		return false
	}
	band, bins := bandEnergy(samples, v.opts.audio.SampleRate, speechBandLow, speechBandHigh)
	if bins == 0 {
		return false
	}
	ratio := band / (total * float64(len(samples)) / 2)
	avg := math.Sqrt(band / float64(bins))
	return ratio >= v.opts.cfg.SpectralRatio && avg >= v.opts.cfg.SpectralFloor
}

func (v *spectralVAD) Stop() error {
	v.opts.source.Stop()
	<-v.done
	return nil
}

func pcmToFloat(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(int16(pcm[2*i]) | int16(pcm[2*i+1])<<8)
	}
	return out
}

// bandEnergy sums squared DFT magnitudes over the bins covering
// [lowHz, highHz], one Goertzel pass per bin.
func bandEnergy(samples []float64, sampleRate, lowHz, highHz int) (energy float64, bins int) {
	n := len(samples)
	if n == 0 || sampleRate <= 0 {
		return 0, 0
	}
	kLow := int(math.Ceil(float64(lowHz) * float64(n) / float64(sampleRate)))
	kHigh := int(math.Floor(float64(highHz) * float64(n) / float64(sampleRate)))
	if kHigh > n/2 {
		kHigh = n / 2
	}
	for k := kLow; k <= kHigh; k++ {
		energy += goertzel(samples, k)
		bins++
	}
	return energy, bins
}

// goertzel computes |X[k]|^2 for one DFT bin.
func goertzel(samples []float64, k int) float64 {
	n := len(samples)
	w := 2 * math.Pi * float64(k) / float64(n)
	coeff := 2 * math.Cos(w)
	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}
