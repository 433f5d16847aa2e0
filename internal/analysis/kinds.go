package analysis

import "strings"

type ChartType string

const (
	ChartNone          ChartType = "none"
	ChartTable         ChartType = "table"
	ChartBar           ChartType = "bar"
	ChartBarCount      ChartType = "bar_count"
	ChartLine          ChartType = "line"
	ChartMultiLine     ChartType = "multi_line"
	ChartScatter       ChartType = "scatter"
	ChartPie           ChartType = "pie"
	ChartHistogram     ChartType = "histogram"
	ChartDateHistogram ChartType = "date_histogram"
	ChartHeatmap       ChartType = "heatmap"
)

var chartAliases = map[string]ChartType{
	"none": ChartNone, "": ChartNone, "null": ChartNone,
	"table": ChartTable, "tabela": ChartTable,
	"bar": ChartBar, "bars": ChartBar, "barras": ChartBar, "column": ChartBar,
	"bar_count": ChartBarCount, "barras-contagem": ChartBarCount, "count": ChartBarCount,
	"line": ChartLine, "linha": ChartLine, "timeseries": ChartLine,
	"multi_line": ChartMultiLine, "multiline": ChartMultiLine, "multilinha": ChartMultiLine,
	"scatter": ChartScatter, "dispersao": ChartScatter, "dispersão": ChartScatter,
	"pie": ChartPie, "pizza": ChartPie, "donut": ChartPie,
	"histogram": ChartHistogram, "histograma": ChartHistogram,
	"date_histogram": ChartDateHistogram, "histograma-data": ChartDateHistogram,
	"heatmap": ChartHeatmap, "mapa_de_calor": ChartHeatmap,
}

// ParseChartType maps a model-suggested chart name onto the closed set;
// unknown names become ChartNone.
func ParseChartType(value string) ChartType {
	if chart, ok := chartAliases[normalizeName(value)]; ok {
		return chart
	}
	return ChartNone
}

type AlgorithmName string

const (
	AlgorithmNone       AlgorithmName = "none"
	AlgorithmClustering AlgorithmName = "clustering"
	AlgorithmOutliers   AlgorithmName = "outliers"
	AlgorithmPCA        AlgorithmName = "pca"
	AlgorithmTrend      AlgorithmName = "trend"
)

var algorithmAliases = map[string]AlgorithmName{
	"none": AlgorithmNone, "": AlgorithmNone, "null": AlgorithmNone,
	"clustering": AlgorithmClustering, "kmeans": AlgorithmClustering, "k-means": AlgorithmClustering, "smartkmeans": AlgorithmClustering,
	"outliers": AlgorithmOutliers, "outlier": AlgorithmOutliers, "isolationforest": AlgorithmOutliers, "anomaly_detection": AlgorithmOutliers,
	"pca": AlgorithmPCA, "smartpca": AlgorithmPCA, "dimensionality_reduction": AlgorithmPCA,
	"trend": AlgorithmTrend, "linearregression": AlgorithmTrend, "regression": AlgorithmTrend, "randomforestregressor": AlgorithmTrend,
}

// ParseAlgorithm maps a model-suggested algorithm onto the closed set;
// unknown names become AlgorithmNone.
func ParseAlgorithm(value string) AlgorithmName {
	if name, ok := algorithmAliases[normalizeName(value)]; ok {
		return name
	}
	return AlgorithmNone
}

func normalizeName(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.ReplaceAll(value, " ", "_")
}

// Suggestion is the generator's untrusted hint about how to present a result.
type Suggestion struct {
	Chart     ChartType
	Algorithm AlgorithmName
}
