package gbt

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Params controls training. Field names follow the usual gradient boosting
// vocabulary so existing training configs carry over.
type Params struct {
	NumTrees           int     `yaml:"n_estimators" json:"n_estimators"`
	MaxDepth           int     `yaml:"max_depth" json:"max_depth"`
	LearningRate       float64 `yaml:"learning_rate" json:"learning_rate"`
	Subsample          float64 `yaml:"subsample" json:"subsample"`
	ColSample          float64 `yaml:"colsample_bytree" json:"colsample_bytree"`
	MinChildWeight     float64 `yaml:"min_child_weight" json:"min_child_weight"`
	Lambda             float64 `yaml:"reg_lambda" json:"reg_lambda"`
	Seed               int64   `yaml:"random_state" json:"random_state"`
	ValidationFraction float64 `yaml:"validation_fraction" json:"validation_fraction"`
	MinExamples        int     `yaml:"min_examples" json:"min_examples"`
}

func DefaultParams() Params {
	return Params{
		NumTrees:           100,
		MaxDepth:           4,
		LearningRate:       0.1,
		Subsample:          0.8,
		ColSample:          0.8,
		MinChildWeight:     1,
		Lambda:             1,
		Seed:               42,
		ValidationFraction: 0.2,
		MinExamples:        10,
	}
}

func (p Params) Validate() error {
	if p.NumTrees < 1 {
		return fmt.Errorf("n_estimators must be at least 1, got %d", p.NumTrees)
	}
	if p.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1, got %d", p.MaxDepth)
	}
	if p.LearningRate <= 0 || p.LearningRate > 1 {
		return fmt.Errorf("learning_rate must be in (0, 1], got %v", p.LearningRate)
	}
	if p.Subsample <= 0 || p.Subsample > 1 {
		return fmt.Errorf("subsample must be in (0, 1], got %v", p.Subsample)
	}
	if p.ColSample <= 0 || p.ColSample > 1 {
		return fmt.Errorf("colsample_bytree must be in (0, 1], got %v", p.ColSample)
	}
	if p.MinChildWeight < 0 || p.Lambda < 0 {
		return fmt.Errorf("min_child_weight and reg_lambda must not be negative")
	}
	if p.ValidationFraction <= 0 || p.ValidationFraction >= 1 {
		return fmt.Errorf("validation_fraction must be in (0, 1), got %v", p.ValidationFraction)
	}
	if p.MinExamples < 2 {
		return fmt.Errorf("min_examples must be at least 2, got %d", p.MinExamples)
	}
	return nil
}

// LoadParams decodes YAML over DefaultParams. Unknown keys are rejected so a
// typo does not silently train with a default.
func LoadParams(r io.Reader) (Params, error) {
	p := DefaultParams()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return Params{}, fmt.Errorf("decode training params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

func LoadParamsFile(path string) (Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return Params{}, err
	}
	defer f.Close()
	return LoadParams(f)
}
