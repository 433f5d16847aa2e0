package analysis

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/duckmesh/nlq/internal/query"
)

var (
	ErrInsufficientData = errors.New("not enough complete rows")
	ErrUnstable         = errors.New("numerically unstable input")
)

// Error is an algorithm runtime failure. The analyzer degrades to no
// algorithm when one occurs.
type Error struct {
	Algorithm AlgorithmName
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Algorithm, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Output holds algorithm-specific results. Per-row slices are aligned with
// the result rows; rows skipped for missing values hold -1 or false.
type Output struct {
	Features          []string    `json:"features"`
	Clusters          []int       `json:"clusters,omitempty"`
	Centroids         [][]float64 `json:"centroids,omitempty"`
	Outliers          []bool      `json:"outliers,omitempty"`
	Scores            []float64   `json:"scores,omitempty"`
	Projection        [][]float64 `json:"projection,omitempty"`
	Loadings          [][]float64 `json:"loadings,omitempty"`
	ExplainedVariance []float64   `json:"explained_variance,omitempty"`
	Trend             *Trend      `json:"trend,omitempty"`
}

// Trend is an ordinary least squares fit of Y on X. Temporal X is measured
// in days since the Unix epoch.
type Trend struct {
	X         string  `json:"x"`
	Y         string  `json:"y"`
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	RSquared  float64 `json:"r_squared"`
}

// Algorithm is the closed set of result post-processors.
type Algorithm interface {
	Name() AlgorithmName
	Applicable(Profile) bool
	Run(query.Result, Profile) (Output, error)
}

func builtinAlgorithms() map[AlgorithmName]Algorithm {
	return map[AlgorithmName]Algorithm{
		AlgorithmClustering: kmeans{},
		AlgorithmOutliers:   madOutliers{},
		AlgorithmPCA:        principalComponents{},
		AlgorithmTrend:      linearTrend{},
	}
}

type kmeans struct{}

func (kmeans) Name() AlgorithmName { return AlgorithmClustering }

func (kmeans) Applicable(p Profile) bool { return len(p.Numeric()) >= 2 }

func (kmeans) Run(result query.Result, profile Profile) (Output, error) {
	features := profile.Numeric()
	data, rows := numericMatrix(result, features)
	if len(data) < 2 {
		return Output{}, ErrInsufficientData
	}
	standardized, err := standardize(data)
	if err != nil {
		return Output{}, err
	}
	k := clusterCount(len(standardized))
	assignment := lloyd(standardized, k, rand.New(rand.NewPCG(42, 42)))

	centroids := make([][]float64, k)
	counts := make([]int, k)
	for c := range centroids {
		centroids[c] = make([]float64, len(features))
	}
	for i, c := range assignment {
		floats.Add(centroids[c], data[i])
		counts[c]++
	}
	for c := range centroids {
		if counts[c] > 0 {
			floats.Scale(1/float64(counts[c]), centroids[c])
		}
	}

	clusters := filled(len(result.Rows), -1)
	for i, row := range rows {
		clusters[row] = assignment[i]
	}
	return Output{Features: names(features), Clusters: clusters, Centroids: centroids}, nil
}

// clusterCount keeps k below the sample count so every cluster can be
// populated.
func clusterCount(n int) int {
	switch {
	case n <= 4:
		return 2
	case n <= 10:
		return min(3, n-1)
	default:
		return min(8, n-1)
	}
}

// lloyd runs k-means with k-means++ seeding from a fixed source so the same
// input always produces the same assignment.
func lloyd(points [][]float64, k int, rng *rand.Rand) []int {
	centers := [][]float64{append([]float64(nil), points[rng.IntN(len(points))]...)}
	nearest := make([]float64, len(points))
	for len(centers) < k {
		total := 0.0
		for i, p := range points {
			nearest[i] = math.Inf(1)
			for _, c := range centers {
				nearest[i] = math.Min(nearest[i], sqDist(p, c))
			}
			total += nearest[i]
		}
		next := len(centers) % len(points)
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range nearest {
				target -= d
				if target <= 0 {
					next = i
					break
				}
			}
		}
		centers = append(centers, append([]float64(nil), points[next]...))
	}

	assignment := filled(len(points), -1)
	for iter := 0; iter < 100; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, center := range centers {
				if d := sqDist(p, center); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignment[i] != best {
				assignment[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		for c := range centers {
			var members int
			sum := make([]float64, len(centers[c]))
			for i, p := range points {
				if assignment[i] == c {
					floats.Add(sum, p)
					members++
				}
			}
			if members > 0 {
				floats.Scale(1/float64(members), sum)
				centers[c] = sum
			}
		}
	}
	return assignment
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

// madOutliers flags rows whose modified z-score exceeds 3.5 on any numeric
// column. The score uses the median absolute deviation so the outliers
// themselves do not mask the spread.
type madOutliers struct{}

const outlierThreshold = 3.5

func (madOutliers) Name() AlgorithmName { return AlgorithmOutliers }

func (madOutliers) Applicable(p Profile) bool { return len(p.Numeric()) >= 1 }

func (madOutliers) Run(result query.Result, profile Profile) (Output, error) {
	features := profile.Numeric()
	data, rows := numericMatrix(result, features)
	if len(data) < 3 {
		return Output{}, ErrInsufficientData
	}
	scores := make([]float64, len(data))
	for j := range features {
		column := make([]float64, len(data))
		for i := range data {
			column[i] = data[i][j]
		}
		median, spread := robustSpread(column)
		if spread == 0 {
			continue
		}
		for i, x := range column {
			scores[i] = math.Max(scores[i], math.Abs(0.6745*(x-median)/spread))
		}
	}

	flags := make([]bool, len(result.Rows))
	rowScores := make([]float64, len(result.Rows))
	for i, row := range rows {
		rowScores[row] = scores[i]
		flags[row] = scores[i] > outlierThreshold
	}
	return Output{Features: names(features), Outliers: flags, Scores: rowScores}, nil
}

// robustSpread returns the median and the median absolute deviation,
// falling back to the scaled mean absolute deviation when more than half
// the values are identical.
func robustSpread(values []float64) (float64, float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	deviations := make([]float64, len(values))
	for i, x := range values {
		deviations[i] = math.Abs(x - median)
	}
	sort.Float64s(deviations)
	if mad := stat.Quantile(0.5, stat.Empirical, deviations, nil); mad > 0 {
		return median, mad
	}
	return median, 0.7979 * stat.Mean(deviations, nil)
}

type principalComponents struct{}

func (principalComponents) Name() AlgorithmName { return AlgorithmPCA }

func (principalComponents) Applicable(p Profile) bool { return len(p.Numeric()) >= 3 }

func (principalComponents) Run(result query.Result, profile Profile) (Output, error) {
	features := profile.Numeric()
	data, rows := numericMatrix(result, features)
	if len(data) < len(features) {
		return Output{}, ErrInsufficientData
	}
	standardized, err := standardize(data)
	if err != nil {
		return Output{}, err
	}
	x := mat.NewDense(len(standardized), len(features), nil)
	for i, row := range standardized {
		x.SetRow(i, row)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return Output{}, ErrUnstable
	}
	var vectors mat.Dense
	pc.VectorsTo(&vectors)
	variances := pc.VarsTo(nil)
	total := floats.Sum(variances)
	if total == 0 || math.IsNaN(total) {
		return Output{}, ErrUnstable
	}

	const components = 2
	var projected mat.Dense
	projected.Mul(x, vectors.Slice(0, len(features), 0, components))

	projection := make([][]float64, len(result.Rows))
	for i, row := range rows {
		projection[row] = mat.Row(nil, i, &projected)
	}
	loadings := make([][]float64, components)
	explained := make([]float64, components)
	for c := 0; c < components; c++ {
		loadings[c] = mat.Col(nil, c, &vectors)
		explained[c] = variances[c] / total
	}
	return Output{Features: names(features), Projection: projection, Loadings: loadings, ExplainedVariance: explained}, nil
}

// linearTrend fits the first numeric column against the first temporal
// column, or against the first numeric column when there is no temporal one.
type linearTrend struct{}

func (linearTrend) Name() AlgorithmName { return AlgorithmTrend }

func (linearTrend) Applicable(p Profile) bool {
	numeric := len(p.Numeric())
	return numeric >= 2 || (numeric >= 1 && len(p.Temporal()) >= 1)
}

func (linearTrend) Run(result query.Result, profile Profile) (Output, error) {
	numeric := profile.Numeric()
	var xCol, yCol ColumnProfile
	if temporal := profile.Temporal(); len(temporal) > 0 {
		xCol, yCol = temporal[0], numeric[0]
	} else {
		xCol, yCol = numeric[0], numeric[1]
	}
	trend, err := fitTrend(result, xCol, yCol)
	if err != nil {
		return Output{}, err
	}
	return Output{Features: []string{xCol.Name, yCol.Name}, Trend: &trend}, nil
}

func fitTrend(result query.Result, xCol, yCol ColumnProfile) (Trend, error) {
	var xs, ys []float64
	for _, row := range result.Rows {
		x, okX := axisValue(row[xCol.Index])
		y, okY := numericValue(row[yCol.Index], true)
		if okX && okY {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if len(xs) < 2 {
		return Trend{}, ErrInsufficientData
	}
	if stat.Variance(xs, nil) == 0 {
		return Trend{}, ErrUnstable
	}
	intercept, slope := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, intercept, slope)
	if math.IsNaN(slope) || math.IsNaN(intercept) {
		return Trend{}, ErrUnstable
	}
	if math.IsNaN(r2) {
		r2 = 0
	}
	return Trend{X: xCol.Name, Y: yCol.Name, Slope: slope, Intercept: intercept, RSquared: r2}, nil
}

func axisValue(value any) (float64, bool) {
	if t, ok := value.(time.Time); ok {
		return float64(t.Unix()) / 86400, true
	}
	return numericValue(value, true)
}

// numericMatrix returns the rows where every feature is numeric, plus the
// original row index of each.
func numericMatrix(result query.Result, features []ColumnProfile) ([][]float64, []int) {
	var data [][]float64
	var rows []int
	for i, row := range result.Rows {
		vector := make([]float64, len(features))
		complete := true
		for j, feature := range features {
			v, ok := numericValue(row[feature.Index], true)
			if !ok {
				complete = false
				break
			}
			vector[j] = v
		}
		if complete {
			data = append(data, vector)
			rows = append(rows, i)
		}
	}
	return data, rows
}

// standardize scales every column to zero mean and unit variance. Constant
// columns are centred only.
func standardize(data [][]float64) ([][]float64, error) {
	cols := len(data[0])
	out := make([][]float64, len(data))
	for i := range out {
		out[i] = make([]float64, cols)
	}
	column := make([]float64, len(data))
	for j := 0; j < cols; j++ {
		for i := range data {
			column[i] = data[i][j]
		}
		mean, std := stat.MeanStdDev(column, nil)
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			return nil, ErrUnstable
		}
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for i := range data {
			out[i][j] = (data[i][j] - mean) / std
		}
	}
	return out, nil
}

func names(columns []ColumnProfile) []string {
	out := make([]string, len(columns))
	for i, column := range columns {
		out[i] = column.Name
	}
	return out
}

func filled(n, value int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = value
	}
	return out
}
