package analysis

// trendlineMinR2 is the fit quality below which no trendline is drawn.
const trendlineMinR2 = 0.2

// pieMaxSlices is the largest group count still drawn as a pie.
const pieMaxSlices = 4

type Chart struct {
	Type ChartType `json:"type"`
	X    string    `json:"x,omitempty"`
	Y    []string  `json:"y,omitempty"`
	// Color names the algorithm output used to colour marks, if any.
	Color     string `json:"color,omitempty"`
	Trendline *Trend `json:"trendline,omitempty"`
}

// chooseChart applies the chart rules from the most specific shape to the
// most generic. Identifier columns never take part.
func chooseChart(p Profile) Chart {
	numeric := p.Numeric()
	categorical := p.Categorical()
	temporal := p.Temporal()

	if p.Rows == 0 {
		return Chart{Type: ChartNone}
	}
	if len(categorical) > 0 && len(numeric) == 0 && allUnique(categorical, p.Rows) {
		return Chart{Type: ChartNone}
	}

	var small []ColumnProfile
	for _, column := range categorical {
		if column.Distinct <= smallCategoryMax {
			small = append(small, column)
		}
	}

	switch {
	case p.Rows == 1 && len(numeric) == 2:
		return Chart{Type: ChartPie, Y: names(numeric)}
	case len(small) >= 2 && len(numeric) == 0:
		return Chart{Type: ChartHeatmap, X: small[1].Name, Y: []string{small[0].Name}}
	case len(temporal) > 0 && len(numeric) >= 2:
		return Chart{Type: ChartMultiLine, X: temporal[0].Name, Y: names(numeric)}
	case len(temporal) > 0 && len(numeric) == 1:
		return Chart{Type: ChartLine, X: temporal[0].Name, Y: names(numeric)}
	case len(categorical) > 0 && len(numeric) <= 1:
		best, ok := bestCategorical(categorical)
		if !ok {
			return Chart{Type: ChartNone}
		}
		if len(numeric) == 0 {
			if best.Distinct <= pieMaxSlices {
				return Chart{Type: ChartPie, X: best.Name}
			}
			return Chart{Type: ChartBarCount, X: best.Name}
		}
		if p.Rows <= pieMaxSlices {
			return Chart{Type: ChartPie, X: best.Name, Y: names(numeric)}
		}
		return Chart{Type: ChartBar, X: best.Name, Y: names(numeric)}
	case len(numeric) == 1:
		return Chart{Type: ChartHistogram, X: numeric[0].Name}
	case len(numeric) >= 2:
		return Chart{Type: ChartScatter, X: numeric[0].Name, Y: []string{numeric[1].Name}}
	case len(temporal) > 0:
		return Chart{Type: ChartDateHistogram, X: temporal[0].Name}
	}
	return Chart{Type: ChartTable}
}

// bestCategorical picks the column with the fewest distinct values above one.
func bestCategorical(columns []ColumnProfile) (ColumnProfile, bool) {
	var best ColumnProfile
	found := false
	for _, column := range columns {
		if column.Distinct <= 1 {
			continue
		}
		if !found || column.Distinct < best.Distinct {
			best, found = column, true
		}
	}
	return best, found
}

func allUnique(columns []ColumnProfile, rows int) bool {
	for _, column := range columns {
		if column.Distinct != rows {
			return false
		}
	}
	return true
}

func supportsTrendline(chart ChartType) bool {
	return chart == ChartScatter || chart == ChartMultiLine
}
