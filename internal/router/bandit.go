package router

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/core"
)

// Bucket partitions bandit learning: one posterior per (route, bucket).
type Bucket struct {
	Task       core.TaskType
	Complexity core.ComplexityClass
}

func (b Bucket) String() string {
	return string(b.Task) + "/" + string(b.Complexity)
}

type armKey struct {
	route  string
	bucket Bucket
}

// appliedEventCap bounds the per-arm idempotency window. Duplicate outcome
// events older than this many distinct events would be re-applied; in
// practice duplicates arrive within the same request lifecycle.
const appliedEventCap = 512

// arm holds one Beta posterior. Alpha and beta only ever grow.
type arm struct {
	mu         sync.Mutex
	alpha      float64
	beta       float64
	rewards    int
	lastUpdate time.Time

	// lastChosen is the bucket decision index at which this arm was last
	// picked; the exploration floor keys off it.
	lastChosen uint64

	applied map[string]struct{}
	order   []string
}

// ArmSnapshot is the exported view of one arm.
type ArmSnapshot struct {
	Route      string    `json:"route"`
	Bucket     string    `json:"bucket"`
	Alpha      float64   `json:"alpha"`
	Beta       float64   `json:"beta"`
	Rewards    int       `json:"rewards"`
	Mean       float64   `json:"mean"`
	LastUpdate time.Time `json:"last_update"`
}

// Bandit maintains Beta(α,β) posteriors per (route, bucket) and samples them
// for Thompson selection. Updates are serialized per arm and idempotent per
// outcome event id.
type Bandit struct {
	mu   sync.Mutex
	arms map[armKey]*arm

	// decisions and lastForced are per-bucket counters driving the
	// exploration floor.
	decisions  map[Bucket]uint64
	lastForced map[Bucket]uint64

	priorAlpha float64
	priorBeta  float64
	staleAfter uint64 // force an arm unseen for this many decisions
	forceEvery uint64 // at most one forced pick per this many decisions

	rngMu sync.Mutex
	rng   *rand.Rand
}

// BanditOptions tunes priors and the exploration floor.
type BanditOptions struct {
	PriorAlpha float64
	PriorBeta  float64
	StaleAfter uint64
	ForceEvery uint64
	Seed       int64
}

// NewBandit builds an empty bandit. Arms materialize on first sample.
func NewBandit(opts BanditOptions) *Bandit {
	if opts.PriorAlpha < 1 {
		opts.PriorAlpha = 1
	}
	if opts.PriorBeta < 1 {
		opts.PriorBeta = 1
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 100
	}
	if opts.ForceEvery == 0 {
		opts.ForceEvery = 10
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Bandit{
		arms:       make(map[armKey]*arm),
		decisions:  make(map[Bucket]uint64),
		lastForced: make(map[Bucket]uint64),
		priorAlpha: opts.PriorAlpha,
		priorBeta:  opts.PriorBeta,
		staleAfter: opts.StaleAfter,
		forceEvery: opts.ForceEvery,
		rng:        rand.New(rand.NewSource(opts.Seed)),
	}
}

func (b *Bandit) armFor(route string, bucket Bucket) *arm {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := armKey{route: route, bucket: bucket}
	a, ok := b.arms[key]
	if !ok {
		a = &arm{
			alpha:   b.priorAlpha,
			beta:    b.priorBeta,
			applied: make(map[string]struct{}),
		}
		b.arms[key] = a
	}
	return a
}

// Sample draws one Thompson sample from the arm's Beta posterior.
func (b *Bandit) Sample(route string, bucket Bucket) float64 {
	a := b.armFor(route, bucket)
	a.mu.Lock()
	alpha, beta := a.alpha, a.beta
	a.mu.Unlock()

	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return sampleBeta(b.rng, alpha, beta)
}

// Mean is the posterior mean, used by the shadow policy.
func (b *Bandit) Mean(route string, bucket Bucket) float64 {
	a := b.armFor(route, bucket)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alpha / (a.alpha + a.beta)
}

// noteDecision advances the bucket's decision counter and records which arm
// was picked. Returns the new decision index.
func (b *Bandit) noteDecision(route string, bucket Bucket) uint64 {
	b.mu.Lock()
	b.decisions[bucket]++
	n := b.decisions[bucket]
	b.mu.Unlock()

	a := b.armFor(route, bucket)
	a.mu.Lock()
	a.lastChosen = n
	a.mu.Unlock()
	return n
}

// staleCandidate returns a candidate route unseen for staleAfter decisions,
// honoring the once-per-forceEvery budget. Empty string means no forcing.
func (b *Bandit) staleCandidate(bucket Bucket, candidates []string) string {
	b.mu.Lock()
	n := b.decisions[bucket]
	last := b.lastForced[bucket]
	b.mu.Unlock()

	if n < b.staleAfter || n-last < b.forceEvery {
		return ""
	}

	var pick string
	var oldest uint64 = math.MaxUint64
	for _, route := range candidates {
		a := b.armFor(route, bucket)
		a.mu.Lock()
		chosen := a.lastChosen
		a.mu.Unlock()
		if n-chosen >= b.staleAfter && chosen < oldest {
			pick, oldest = route, chosen
		}
	}
	if pick != "" {
		b.mu.Lock()
		b.lastForced[bucket] = n
		b.mu.Unlock()
	}
	return pick
}

// Update applies reward r in [0,1] to the arm: α += r, β += 1-r. Repeated
// calls with the same event id are no-ops.
func (b *Bandit) Update(eventID, route string, bucket Bucket, reward float64) {
	if reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}

	a := b.armFor(route, bucket)
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.applied[eventID]; dup {
		return
	}
	a.applied[eventID] = struct{}{}
	a.order = append(a.order, eventID)
	if len(a.order) > appliedEventCap {
		drop := a.order[0]
		a.order = a.order[1:]
		delete(a.applied, drop)
	}

	a.alpha += reward
	a.beta += 1 - reward
	a.rewards++
	a.lastUpdate = time.Now()
}

// Snapshot exports all arms for the admin surface.
func (b *Bandit) Snapshot() []ArmSnapshot {
	b.mu.Lock()
	keys := make([]armKey, 0, len(b.arms))
	arms := make([]*arm, 0, len(b.arms))
	for k, a := range b.arms {
		keys = append(keys, k)
		arms = append(arms, a)
	}
	b.mu.Unlock()

	out := make([]ArmSnapshot, 0, len(arms))
	for i, a := range arms {
		a.mu.Lock()
		out = append(out, ArmSnapshot{
			Route:      keys[i].route,
			Bucket:     keys[i].bucket.String(),
			Alpha:      a.alpha,
			Beta:       a.beta,
			Rewards:    a.rewards,
			Mean:       a.alpha / (a.alpha + a.beta),
			LastUpdate: a.lastUpdate,
		})
		a.mu.Unlock()
	}
	return out
}

// Stats reports bandit occupancy.
func (b *Bandit) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := uint64(0)
	for _, n := range b.decisions {
		total += n
	}
	return map[string]interface{}{
		"arms":      len(b.arms),
		"decisions": total,
		"buckets":   len(b.decisions),
	}
}

// sampleBeta draws from Beta(a, b) via two Gamma draws.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	v := x / (x + y)
	// Keep the sample strictly inside (0,1) so downstream utility math never
	// sees a degenerate probability.
	if v <= 0 {
		return math.SmallestNonzeroFloat64
	}
	if v >= 1 {
		return 1 - 1e-12
	}
	return v
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia-Tsang squeeze for
// shape >= 1 and the boost transform below it.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Gamma(a) = Gamma(a+1) * U^(1/a)
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
