// Package stability turns a continuous stream of weight samples into discrete
// auto-save events once a load has settled
package stability

import (
	"errors"
	"sync"
	"time"

	"github.com/fako1024/bitscale/pkg/scale"
)

const (
	defaultDwell        = 2 * time.Second
	defaultTolerance    = 1
	defaultMinMagnitude = 2
	defaultMinDelta     = 2
)

// Config denotes the thresholds of the detector (all weights in grams)
type Config struct {

	// Dwell is the time a load has to stay within tolerance before it is committed
	Dwell time.Duration `yaml:"dwell"`

	// Tolerance is the accepted deviation between samples
	Tolerance int `yaml:"tolerance"`

	// MinMagnitude is the minimum (absolute) weight considered a load
	MinMagnitude int `yaml:"min_magnitude"`

	// MinDelta is the minimum change from the last committed weight to re-arm
	MinDelta int `yaml:"min_delta"`
}

// DefaultConfig returns the default detector thresholds
func DefaultConfig() Config {
	return Config{
		Dwell:        defaultDwell,
		Tolerance:    defaultTolerance,
		MinMagnitude: defaultMinMagnitude,
		MinDelta:     defaultMinDelta,
	}
}

// Validate checks the thresholds for plausibility
func (c Config) Validate() error {
	if c.Dwell <= 0 {
		return errors.New("dwell time must be positive")
	}
	if c.Tolerance < 0 || c.MinMagnitude < 0 || c.MinDelta < 0 {
		return errors.New("tolerance and thresholds must not be negative")
	}
	return nil
}

// Committer receives settled weights
type Committer interface {
	Commit(grams int)
}

// CommitterFunc adapts a plain function to a Committer
type CommitterFunc func(grams int)

// Commit calls f(grams)
func (f CommitterFunc) Commit(grams int) {
	f(grams)
}

// Window denotes the current state of the detector
type Window struct {
	Armed    bool
	Open     bool
	Anchor   int
	AnchorAt time.Time
}

// Option denotes a functional option of the detector
type Option func(*Detector)

// WithConfig sets the detector thresholds
func WithConfig(cfg Config) Option {
	return func(d *Detector) {
		d.cfg = cfg
	}
}

// WithEnabled sets the initial auto-save state (default: enabled)
func WithEnabled(enabled bool) Option {
	return func(d *Detector) {
		d.enabled = enabled
	}
}

// Detector denotes a stability / auto-save detector
type Detector struct {
	cfg       Config
	committer Committer

	mu      sync.Mutex
	enabled bool
	window  Window

	lastSeen    int
	hasLastSeen bool

	lastCommitted    int
	hasLastCommitted bool
}

// New instantiates a new detector reporting settled weights to committer
func New(committer Committer, options ...Option) *Detector {
	d := &Detector{
		cfg:       DefaultConfig(),
		committer: committer,
		enabled:   true,
	}

	for _, option := range options {
		option(d)
	}

	return d
}

// Observe evaluates a new data point. It returns the committed weight if the
// sample completed a settle event
func (d *Detector) Observe(dp scale.DataPoint, connected bool) (int, bool) {
	d.mu.Lock()
	grams, committed := d.observe(dp, connected)
	d.mu.Unlock()

	if committed && d.committer != nil {
		d.committer.Commit(grams)
	}

	return grams, committed
}

// SetEnabled enables or disables auto-save. Disabling resets the detector
func (d *Detector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.enabled = enabled
	if !enabled {
		d.resetLocked()
	}
}

// Enabled returns if auto-save is enabled
func (d *Detector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Reset disarms the detector and forgets all samples seen so far. The last
// committed weight is kept
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

// Disarm disarms the detector, e.g. prior to taring the scale
func (d *Detector) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = Window{}
}

// MarkCommitted records a weight that was saved manually and disarms the detector
func (d *Detector) MarkCommitted(grams int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastCommitted, d.hasLastCommitted = grams, true
	d.window = Window{}
}

// LastCommitted returns the last committed weight (if any)
func (d *Detector) LastCommitted() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCommitted, d.hasLastCommitted
}

// Window returns the current state of the detector
func (d *Detector) Window() Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window
}

////////////////////////////////////////////////////////////////////////////////

func (d *Detector) observe(dp scale.DataPoint, connected bool) (int, bool) {
	if !d.enabled || !connected {
		d.resetLocked()
		return 0, false
	}
	if !dp.HasWeight {
		return 0, false
	}

	grams, now := dp.Weight, dp.TimeStamp
	lastSeen, hasLastSeen := d.lastSeen, d.hasLastSeen
	d.lastSeen, d.hasLastSeen = grams, true

	if !d.window.Armed && abs(grams) >= d.cfg.MinMagnitude &&
		(!d.hasLastCommitted || abs(grams-d.lastCommitted) >= d.cfg.MinDelta) {
		d.window = Window{Armed: true}
	}
	if !d.window.Armed {
		return 0, false
	}

	// Still settling
	if hasLastSeen && abs(grams-lastSeen) > d.cfg.Tolerance {
		d.closeWindow()
		return 0, false
	}

	if !d.window.Open {
		d.anchor(grams, now)
		return 0, false
	}

	if abs(grams-d.window.Anchor) > d.cfg.Tolerance {
		d.anchor(grams, now)
		return 0, false
	}

	if now.Sub(d.window.AnchorAt) < d.cfg.Dwell {
		return 0, false
	}

	settled := d.window.Anchor
	d.window = Window{}

	// Unchanged load, nothing to save
	if d.hasLastCommitted && abs(settled-d.lastCommitted) <= d.cfg.Tolerance {
		return 0, false
	}

	d.lastCommitted, d.hasLastCommitted = settled, true
	return settled, true
}

func (d *Detector) anchor(grams int, at time.Time) {
	d.window.Open = true
	d.window.Anchor = grams
	d.window.AnchorAt = at
}

func (d *Detector) closeWindow() {
	d.window = Window{Armed: d.window.Armed}
}

func (d *Detector) resetLocked() {
	d.window = Window{}
	d.lastSeen, d.hasLastSeen = 0, false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
