package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/headlands-org/go-dualembed/internal/features"
)

// Corpus maps an intent to its example utterances.
type Corpus map[string][]string

func readCorpus(path string) (Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return c, nil
}

// Intents returns the intents in sorted order.
func (c Corpus) Intents() []string {
	out := make([]string, 0, len(c))
	for intent := range c {
		out = append(out, intent)
	}
	sort.Strings(out)
	return out
}

// featurizer is the count vectorizer persisted next to a model.
type featurizer struct {
	Sequence   bool     `yaml:"sequence"`
	Vocabulary []string `yaml:"vocabulary"`

	cv *features.CountVectorizer
}

func fitFeaturizer(c Corpus, sequence bool) *featurizer {
	var texts []string
	for _, intent := range c.Intents() {
		texts = append(texts, c[intent]...)
	}
	cv := features.FitCountVectorizer(texts)
	return &featurizer{Sequence: sequence, Vocabulary: cv.Vocabulary(), cv: cv}
}

func (f *featurizer) transform(text string) features.Sparse {
	return f.cv.Transform(text, f.Sequence)
}

func (f *featurizer) examples(c Corpus) []features.Example {
	var out []features.Example
	for _, intent := range c.Intents() {
		for _, text := range c[intent] {
			out = append(out, features.Example{Text: text, Intent: intent, Features: f.transform(text)})
		}
	}
	return out
}

func featurizerPath(dir, name string) string {
	return filepath.Join(dir, name+"_featurizer.yaml")
}

func (f *featurizer) save(dir, name string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.WriteFile(featurizerPath(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write featurizer: %w", err)
	}
	return nil
}

func loadFeaturizer(dir, name string) (*featurizer, error) {
	data, err := os.ReadFile(featurizerPath(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read featurizer: %w", err)
	}
	var f featurizer
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse featurizer: %w", err)
	}
	f.cv = features.NewCountVectorizer(f.Vocabulary)
	return &f, nil
}
