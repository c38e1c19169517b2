// Package classifier loads an exported random-forest model and scores
// feature vectors against it.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/linnemanlabs/sentinel/internal/features"
)

// leafFeature marks a leaf node in the exported tree arrays.
const leafFeature = -2

// ArtifactPath returns the location of the promoted model for name.
func ArtifactPath(dir, name string) string {
	return filepath.Join(dir, "latest_"+name+".json")
}

// FatalError means the model cannot be used and the process must stop.
type FatalError struct {
	Path string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("classifier: load %s: %v", e.Path, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ErrInputWidth is returned by Classify for vectors of the wrong length.
var ErrInputWidth = errors.New("classifier: input width mismatch")

// Node is one entry of a tree's flattened node array.
type Node struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

// Tree is one estimator of the forest; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Artifact is the on-disk model format.
type Artifact struct {
	Version      string   `json:"version"`
	Model        string   `json:"model"`
	Classes      []int    `json:"classes"`
	FeatureNames []string `json:"feature_names"`
	Trees        []Tree   `json:"trees"`
}

// Prediction is the outcome of one classification.
type Prediction struct {
	Class         int
	Confidence    float64
	Probabilities []float64
}

// Forest is a loaded model. It is read-only after Load and safe for
// concurrent use.
type Forest struct {
	version  string
	model    string
	classes  []int
	features int
	trees    [][]Node
}

// Load reads the artifact at path and checks it against the feature manifest.
// Every failure is returned as a *FatalError.
func Load(path string, manifest features.Manifest) (*Forest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &FatalError{Path: path, Err: err}
	}
	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, &FatalError{Path: path, Err: fmt.Errorf("decode: %w", err)}
	}
	f, err := New(&art, manifest)
	if err != nil {
		return nil, &FatalError{Path: path, Err: err}
	}
	return f, nil
}

// New builds a forest from an in-memory artifact.
func New(art *Artifact, manifest features.Manifest) (*Forest, error) {
	if len(art.Classes) == 0 {
		return nil, errors.New("no classes")
	}
	if len(art.Trees) == 0 {
		return nil, errors.New("no trees")
	}
	if len(art.FeatureNames) > 0 {
		if len(art.FeatureNames) != len(manifest) {
			return nil, fmt.Errorf("model has %d features, manifest has %d", len(art.FeatureNames), len(manifest))
		}
		for i, name := range art.FeatureNames {
			if manifest[i] != name {
				return nil, fmt.Errorf("feature %d is %q in model, %q in manifest", i, name, manifest[i])
			}
		}
	}

	nf := len(manifest)
	trees := make([][]Node, len(art.Trees))
	for ti, t := range art.Trees {
		if err := validateTree(t.Nodes, nf, len(art.Classes)); err != nil {
			return nil, fmt.Errorf("tree %d: %w", ti, err)
		}
		trees[ti] = t.Nodes
	}

	return &Forest{
		version:  art.Version,
		model:    art.Model,
		classes:  append([]int(nil), art.Classes...),
		features: nf,
		trees:    trees,
	}, nil
}

// validateTree checks indices and walks the tree once so Classify can
// traverse without bounds checks failing or looping.
func validateTree(nodes []Node, nf, nc int) error {
	if len(nodes) == 0 {
		return errors.New("empty tree")
	}
	visited := make([]bool, len(nodes))
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[i] {
			return fmt.Errorf("node %d reached twice", i)
		}
		visited[i] = true

		n := nodes[i]
		if n.Feature == leafFeature {
			if len(n.Value) != nc {
				return fmt.Errorf("leaf %d has %d values, want %d", i, len(n.Value), nc)
			}
			var sum float64
			for _, v := range n.Value {
				if v < 0 {
					return fmt.Errorf("leaf %d has negative value", i)
				}
				sum += v
			}
			if sum == 0 {
				return fmt.Errorf("leaf %d has zero mass", i)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= nf {
			return fmt.Errorf("node %d feature index %d out of range", i, n.Feature)
		}
		for _, c := range []int{n.Left, n.Right} {
			if c <= 0 || c >= len(nodes) {
				return fmt.Errorf("node %d child index %d out of range", i, c)
			}
			stack = append(stack, c)
		}
	}
	return nil
}

// Classes returns the class labels in model order.
func (f *Forest) Classes() []int { return append([]int(nil), f.classes...) }

// Version returns the artifact version string.
func (f *Forest) Version() string { return f.version }

// Model returns the artifact model name.
func (f *Forest) Model() string { return f.model }

// Classify averages per-tree leaf distributions and returns the most likely
// class. Ties resolve to the lowest class index.
func (f *Forest) Classify(x []float64) (Prediction, error) {
	if len(x) != f.features {
		return Prediction{}, fmt.Errorf("%w: got %d, want %d", ErrInputWidth, len(x), f.features)
	}

	nc := len(f.classes)
	proba := make([]float64, nc)
	for _, nodes := range f.trees {
		i := 0
		for nodes[i].Feature != leafFeature {
			n := nodes[i]
			if x[n.Feature] <= n.Threshold {
				i = n.Left
			} else {
				i = n.Right
			}
		}
		leaf := nodes[i].Value
		var sum float64
		for _, v := range leaf {
			sum += v
		}
		for c, v := range leaf {
			proba[c] += v / sum
		}
	}

	best := 0
	for c := range proba {
		proba[c] /= float64(len(f.trees))
		if proba[c] > proba[best] {
			best = c
		}
	}

	return Prediction{
		Class:         f.classes[best],
		Confidence:    proba[best] * 100,
		Probabilities: proba,
	}, nil
}
