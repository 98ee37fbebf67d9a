// Package datasets generates synthetic source and target domains of
// multichannel 1D signals with a controlled distribution shift.
package datasets

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-adapt/tensor"
)

// ErrInvalidConfig is returned for an unusable generator configuration.
var ErrInvalidConfig = errors.New("invalid dataset config")

// Config describes the two domains. Class c is a sinusoid whose frequency
// grows with c; every channel carries it with its own phase. The target
// domain stretches frequencies by 1+FrequencyShift, scales amplitudes by
// AmplitudeScale and adds Offset.
type Config struct {
	SourceSamples int     `yaml:"source_samples"`
	TargetSamples int     `yaml:"target_samples"`
	NChannels     int     `yaml:"n_channels"`
	InputSize     int     `yaml:"input_size"`
	NClasses      int     `yaml:"n_classes"`
	Noise         float64 `yaml:"noise"`

	FrequencyShift float64 `yaml:"frequency_shift"`
	AmplitudeScale float64 `yaml:"amplitude_scale"`
	Offset         float64 `yaml:"offset"`

	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns a small two class problem with a moderate shift.
func DefaultConfig() Config {
	return Config{
		SourceSamples:  200,
		TargetSamples:  200,
		NChannels:      2,
		InputSize:      100,
		NClasses:       3,
		Noise:          0.3,
		FrequencyShift: 0.15,
		AmplitudeScale: 0.8,
		Offset:         0.2,
		Seed:           42,
	}
}

// Validate checks the sizes.
func (c Config) Validate() error {
	switch {
	case c.SourceSamples <= 0 || c.TargetSamples <= 0:
		return fmt.Errorf("%w: sample counts must be positive, got %d and %d", ErrInvalidConfig, c.SourceSamples, c.TargetSamples)
	case c.NChannels <= 0 || c.InputSize <= 0:
		return fmt.Errorf("%w: channels and input size must be positive, got %d and %d", ErrInvalidConfig, c.NChannels, c.InputSize)
	case c.NClasses < 2:
		return fmt.Errorf("%w: at least two classes are needed, got %d", ErrInvalidConfig, c.NClasses)
	case c.Noise < 0:
		return fmt.Errorf("%w: noise must be non-negative, got %g", ErrInvalidConfig, c.Noise)
	case c.AmplitudeScale <= 0:
		return fmt.Errorf("%w: amplitude scale must be positive, got %g", ErrInvalidConfig, c.AmplitudeScale)
	case c.FrequencyShift <= -1:
		return fmt.Errorf("%w: frequency shift must be greater than -1, got %g", ErrInvalidConfig, c.FrequencyShift)
	}
	return nil
}

// Domain is a labelled set of samples [n, channels, length] with Int32
// labels [n].
type Domain struct {
	X *tensor.Tensor
	Y *tensor.Tensor
}

// Len returns the number of samples.
func (d Domain) Len() int { return d.X.Shape[0] }

// Pair holds the source domain and the target domain. Target labels are
// only for evaluation.
type Pair struct {
	Source Domain
	Target Domain
}

type domainShift struct {
	freq, amp, offset float64
}

// Generate draws both domains from cfg.Seed.
func Generate(cfg Config) (*Pair, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	phases := make([]float64, cfg.NChannels)
	for i := range phases {
		phases[i] = rng.Float64() * 2 * math.Pi
	}

	source, err := generate(cfg, cfg.SourceSamples, phases, domainShift{freq: 1, amp: 1}, rng)
	if err != nil {
		return nil, fmt.Errorf("source domain: %w", err)
	}
	target, err := generate(cfg, cfg.TargetSamples, phases,
		domainShift{freq: 1 + cfg.FrequencyShift, amp: cfg.AmplitudeScale, offset: cfg.Offset}, rng)
	if err != nil {
		return nil, fmt.Errorf("target domain: %w", err)
	}
	return &Pair{Source: source, Target: target}, nil
}

// generate draws n balanced samples; labels cycle through the classes and
// are then shuffled.
func generate(cfg Config, n int, phases []float64, shift domainShift, rng *rand.Rand) (Domain, error) {
	labels := make([]int32, n)
	for i := range labels {
		labels[i] = int32(i % cfg.NClasses)
	}
	rng.Shuffle(n, func(i, j int) { labels[i], labels[j] = labels[j], labels[i] })

	length := cfg.InputSize
	data := make([]float32, n*cfg.NChannels*length)
	for i, c := range labels {
		// cycles over the window, 2 for class 0 and +1.5 per class
		freq := (2 + 1.5*float64(c)) * shift.freq
		jitter := rng.NormFloat64() * 0.1
		for ch := 0; ch < cfg.NChannels; ch++ {
			base := (i*cfg.NChannels + ch) * length
			for t := 0; t < length; t++ {
				v := math.Sin(2*math.Pi*freq*float64(t)/float64(length) + phases[ch] + jitter)
				v = shift.amp*v + shift.offset + cfg.Noise*rng.NormFloat64()
				data[base+t] = float32(v)
			}
		}
	}

	X, err := tensor.NewTensor([]int{n, cfg.NChannels, length}, tensor.Float32, data)
	if err != nil {
		return Domain{}, err
	}
	Y, err := tensor.NewTensor([]int{n}, tensor.Int32, labels)
	if err != nil {
		return Domain{}, err
	}
	return Domain{X: X, Y: Y}, nil
}
