// Package quantize derives compressed models from a trained one: weight
// clustering that keeps the float graph, and compaction into a Q8_0 serving
// artifact for the runtime interpreter.
package quantize

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"slices"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/headlands-org/go-dualembed/internal/graph"
	"github.com/headlands-org/go-dualembed/internal/model"
)

// maxIterations bounds Lloyd's iterations per scope.
const maxIterations = 50

// Cluster returns a copy of m in which all parameter values under each scope
// of rates share at most rates[scope] levels, every value replaced by its
// nearest level. A parameter matching several scopes belongs to the longest
// one. The receiver and its intent embeddings are left untouched.
func Cluster(ctx context.Context, m *model.Model, rates map[string]int) (*model.Model, error) {
	out, err := m.Clone(ctx)
	if err != nil {
		return nil, fmt.Errorf("clone model: %w", err)
	}

	scopes := make(map[string][]*graph.Param)
	for _, p := range out.Params() {
		scope, ok := Scope(p.Name, rates)
		if !ok || rates[scope] < 1 {
			continue
		}
		scopes[scope] = append(scopes[scope], p)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for scope, params := range scopes {
		scope := scope
		params := params
		k := rates[scope]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			clusterScope(params, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Scope returns the longest key of rates that prefixes name.
func Scope(name string, rates map[string]int) (string, bool) {
	best, found := "", false
	for scope := range rates {
		if strings.HasPrefix(name, scope) && (!found || len(scope) > len(best)) {
			best, found = scope, true
		}
	}
	return best, found
}

func clusterScope(params []*graph.Param, k int) {
	var values []float64
	for _, p := range params {
		values = append(values, p.Value.RawMatrix().Data...)
	}
	centers := KMeans(values, k)
	for _, p := range params {
		data := p.Value.RawMatrix().Data
		for i, v := range data {
			data[i] = centers[nearest(centers, v)]
		}
	}
}

// KMeans clusters values into at most k centers with Lloyd's algorithm,
// starting from centers spread evenly over the value range. The returned
// centers are sorted ascending. When values have no more than k distinct
// entries they are returned as the centers.
func KMeans(values []float64, k int) []float64 {
	if len(values) == 0 || k < 1 {
		return nil
	}
	sorted := slices.Clone(values)
	sort.Float64s(sorted)
	distinct := slices.Compact(slices.Clone(sorted))
	if len(distinct) <= k {
		return distinct
	}

	centers := make([]float64, k)
	if k == 1 {
		centers[0] = floats.Sum(sorted) / float64(len(sorted))
		return centers
	}
	floats.Span(centers, sorted[0], sorted[len(sorted)-1])

	sums := make([]float64, k)
	counts := make([]int, k)
	for iter := 0; iter < maxIterations; iter++ {
		clear(sums)
		clear(counts)
		for _, v := range sorted {
			c := nearest(centers, v)
			sums[c] += v
			counts[c]++
		}
		moved := 0.0
		for c := range centers {
			if counts[c] == 0 {
				continue
			}
			next := sums[c] / float64(counts[c])
			moved = math.Max(moved, math.Abs(next-centers[c]))
			centers[c] = next
		}
		sort.Float64s(centers)
		if moved == 0 {
			break
		}
	}
	return centers
}

// nearest returns the index of the center closest to v; centers must be
// sorted.
func nearest(centers []float64, v float64) int {
	i := sort.SearchFloat64s(centers, v)
	switch {
	case i == 0:
		return 0
	case i == len(centers):
		return len(centers) - 1
	case v-centers[i-1] <= centers[i]-v:
		return i - 1
	default:
		return i
	}
}

// Levels counts the distinct values of every parameter, keyed by name.
func Levels(m *model.Model) map[string]int {
	out := make(map[string]int)
	for _, p := range m.Params() {
		vals := slices.Clone(p.Value.RawMatrix().Data)
		sort.Float64s(vals)
		out[p.Name] = len(slices.Compact(vals))
	}
	return out
}
