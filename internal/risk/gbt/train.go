package gbt

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"
)

// Dataset is a labelled training set. Y holds 0 or 1 per row of X.
type Dataset struct {
	FeatureNames []string
	X            [][]float64
	Y            []float64
}

func (d Dataset) validate(minExamples int) error {
	nf := len(d.FeatureNames)
	if nf == 0 {
		return fmt.Errorf("dataset has no feature names")
	}
	if len(d.X) != len(d.Y) {
		return fmt.Errorf("dataset has %d rows but %d labels", len(d.X), len(d.Y))
	}
	if len(d.X) < minExamples {
		return fmt.Errorf("need at least %d training examples, got %d", minExamples, len(d.X))
	}
	var pos int
	for i, row := range d.X {
		if len(row) != nf {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), nf)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("row %d feature %s is not finite", i, d.FeatureNames[j])
			}
		}
		switch d.Y[i] {
		case 1:
			pos++
		case 0:
		default:
			return fmt.Errorf("label %d must be 0 or 1, got %v", i, d.Y[i])
		}
	}
	if pos == 0 || pos == len(d.Y) {
		return fmt.Errorf("training data must contain both crisis and non-crisis examples")
	}
	return nil
}

// now is replaced in tests.
var now = time.Now

const probClip = 1e-7

// Train fits a model and reports held-out metrics. The split and all
// sampling are driven by Params.Seed, so equal inputs give equal models.
func Train(ds Dataset, p Params) (*Model, Metrics, error) {
	if err := p.Validate(); err != nil {
		return nil, Metrics{}, err
	}
	if err := ds.validate(p.MinExamples); err != nil {
		return nil, Metrics{}, err
	}
	rng := rand.New(rand.NewSource(p.Seed))
	train, valid := stratifiedSplit(ds.Y, p.ValidationFraction, rng)

	b := &builder{
		x:          ds.X,
		params:     p,
		rng:        rng,
		nFeatures:  len(ds.FeatureNames),
		importance: make([]float64, len(ds.FeatureNames)),
	}

	var pos float64
	for _, i := range train {
		pos += ds.Y[i]
	}
	mean := clip(pos / float64(len(train)))
	base := math.Log(mean / (1 - mean))

	margin := make([]float64, len(ds.X))
	for i := range margin {
		margin[i] = base
	}
	grad := make([]float64, len(ds.X))
	hess := make([]float64, len(ds.X))

	m := &Model{
		Format:       FormatVersion,
		FeatureNames: append([]string(nil), ds.FeatureNames...),
		BaseScore:    base,
		LearningRate: p.LearningRate,
		Params:       p,
	}
	for t := 0; t < p.NumTrees; t++ {
		for _, i := range train {
			pr := sigmoid(margin[i])
			grad[i] = pr - ds.Y[i]
			hess[i] = math.Max(pr*(1-pr), 1e-12)
		}
		b.grad, b.hess = grad, hess
		tree := b.build(b.sampleRows(train), b.sampleFeatures())
		m.Trees = append(m.Trees, tree)
		for i := range margin {
			margin[i] += p.LearningRate * tree.predict(ds.X[i])
		}
	}

	var total float64
	for _, g := range b.importance {
		total += g
	}
	m.Importances = make([]float64, len(b.importance))
	for i, g := range b.importance {
		if total > 0 {
			m.Importances[i] = g / total
		}
	}

	metrics := Metrics{TrainSize: len(train), ValidationSize: len(valid), Positives: int(pos)}
	metrics.TrainAccuracy, _ = evaluate(m, ds, train)
	metrics.ValidationAccuracy, metrics.ValidationLogLoss = evaluate(m, ds, valid)
	m.Metrics = metrics
	m.TrainedAt = now().UTC()
	m.Version = versionFor(m)
	return m, metrics, nil
}

func clip(p float64) float64 {
	return math.Min(math.Max(p, probClip), 1-probClip)
}

// stratifiedSplit holds out frac of each class, keeping at least one example
// of each class on the training side.
func stratifiedSplit(y []float64, frac float64, rng *rand.Rand) (train, valid []int) {
	var classes [2][]int
	for i, v := range y {
		classes[int(v)] = append(classes[int(v)], i)
	}
	for _, idx := range classes {
		perm := rng.Perm(len(idx))
		nValid := int(math.Round(float64(len(idx)) * frac))
		if nValid >= len(idx) {
			nValid = len(idx) - 1
		}
		for k, pi := range perm {
			if k < nValid {
				valid = append(valid, idx[pi])
			} else {
				train = append(train, idx[pi])
			}
		}
	}
	sort.Ints(train)
	sort.Ints(valid)
	return train, valid
}

func evaluate(m *Model, ds Dataset, rows []int) (accuracy, logLoss float64) {
	if len(rows) == 0 {
		return 0, 0
	}
	var correct int
	for _, i := range rows {
		p := clip(m.PredictProba(ds.X[i]))
		if (p >= 0.5) == (ds.Y[i] == 1) {
			correct++
		}
		logLoss -= ds.Y[i]*math.Log(p) + (1-ds.Y[i])*math.Log(1-p)
	}
	n := float64(len(rows))
	return float64(correct) / n, logLoss / n
}

func versionFor(m *Model) string {
	h := fnv.New32a()
	body, _ := json.Marshal(struct {
		Base  float64
		Trees []Tree
	}{m.BaseScore, m.Trees})
	h.Write(body)
	return fmt.Sprintf("gbt-%s-%08x", m.TrainedAt.Format("20060102T150405Z"), h.Sum32())
}

type builder struct {
	x          [][]float64
	grad, hess []float64
	params     Params
	rng        *rand.Rand
	nFeatures  int
	importance []float64
}

func (b *builder) sampleRows(rows []int) []int {
	if b.params.Subsample >= 1 {
		return rows
	}
	out := make([]int, 0, len(rows))
	for _, i := range rows {
		if b.rng.Float64() < b.params.Subsample {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		out = append(out, rows[b.rng.Intn(len(rows))])
	}
	return out
}

func (b *builder) sampleFeatures() []int {
	k := int(math.Round(b.params.ColSample * float64(b.nFeatures)))
	if k < 1 {
		k = 1
	}
	perm := b.rng.Perm(b.nFeatures)[:k]
	sort.Ints(perm)
	return perm
}

func (b *builder) build(rows, features []int) Tree {
	var t Tree
	b.grow(&t, rows, features, 0)
	return t
}

func (b *builder) sums(rows []int) (g, h float64) {
	for _, i := range rows {
		g += b.grad[i]
		h += b.hess[i]
	}
	return g, h
}

func (b *builder) leafValue(g, h float64) float64 {
	return -g / (h + b.params.Lambda)
}

func (b *builder) score(g, h float64) float64 {
	return g * g / (h + b.params.Lambda)
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	left      []int
	right     []int
}

// grow appends the subtree for rows and returns its root index.
func (b *builder) grow(t *Tree, rows, features []int, depth int) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{})
	g, h := b.sums(rows)

	if depth >= b.params.MaxDepth {
		t.Nodes[idx] = Node{Leaf: true, Value: b.leafValue(g, h)}
		return idx
	}
	best, ok := b.bestSplit(rows, features, g, h)
	if !ok {
		t.Nodes[idx] = Node{Leaf: true, Value: b.leafValue(g, h)}
		return idx
	}
	b.importance[best.feature] += best.gain
	left := b.grow(t, best.left, features, depth+1)
	right := b.grow(t, best.right, features, depth+1)
	t.Nodes[idx] = Node{Feature: best.feature, Threshold: best.threshold, Left: left, Right: right}
	return idx
}

func (b *builder) bestSplit(rows, features []int, g, h float64) (split, bool) {
	var best split
	if len(rows) < 2 {
		return best, false
	}
	parent := b.score(g, h)
	sorted := make([]int, len(rows))
	for _, f := range features {
		copy(sorted, rows)
		sort.SliceStable(sorted, func(i, j int) bool { return b.x[sorted[i]][f] < b.x[sorted[j]][f] })

		var gl, hl float64
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			gl += b.grad[i]
			hl += b.hess[i]
			lo, hi := b.x[i][f], b.x[sorted[k+1]][f]
			if lo == hi {
				continue
			}
			gr, hr := g-gl, h-hl
			if hl < b.params.MinChildWeight || hr < b.params.MinChildWeight {
				continue
			}
			gain := 0.5 * (b.score(gl, hl) + b.score(gr, hr) - parent)
			if gain > best.gain {
				best = split{feature: f, threshold: (lo + hi) / 2, gain: gain}
			}
		}
	}
	if best.gain <= 0 {
		return best, false
	}
	for _, i := range rows {
		if b.x[i][best.feature] < best.threshold {
			best.left = append(best.left, i)
		} else {
			best.right = append(best.right, i)
		}
	}
	return best, true
}
