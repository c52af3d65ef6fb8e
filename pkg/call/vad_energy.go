package call

import "context"

// energyVAD thresholds the mean frame amplitude. It is the cheapest
// backend and the fallback when no other is configured. A transition
// requires TriggerFrames consecutive frames on the other side of the
// threshold, which filters out single-frame pops.
type energyVAD struct {
	opts backendOpts
	done chan struct{}
}

func newEnergyVAD(opts backendOpts) *energyVAD {
	return &energyVAD{opts: opts, done: make(chan struct{})}
}

func (v *energyVAD) Name() string { return "energy" }

func (v *energyVAD) Start(ctx context.Context) error {
	frames, err := v.opts.source.Start(ctx)
	if err != nil {
		close(v.done)
		return err
	}
	go v.run(frames)
	return nil
}

func (v *energyVAD) run(frames <-chan []byte) {
	defer close(v.done)
	trigger := v.opts.cfg.TriggerFrames
	if trigger <= 0 {
		trigger = 1
	}
	var above, below int
	speaking := false
	for frame := range frames {
		v.opts.onFrame(frame)
		if Level(frame) >= v.opts.cfg.EnergyThreshold {
			above++
			below = 0
		} else {
			below++
			above = 0
		}
		if !speaking && above >= trigger {
			speaking = true
			v.opts.onSpeech(true)
		} else if speaking && below >= trigger {
			speaking = false
			v.opts.onSpeech(false)
		}
	}
}

func (v *energyVAD) Stop() error {
	v.opts.source.Stop()
	<-v.done
	return nil
}
