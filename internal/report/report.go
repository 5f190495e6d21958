// Package report renders a session performance page from closed positions:
// a cumulative realized P&L curve plus per-trade bars, grouped by close
// reason. The HTTP layer serves the page directly; nothing is rasterized.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	chartstypes "github.com/go-echarts/go-echarts/v2/types"

	"keel/internal/types"
)

const (
	colorBackground = "#060c1b"
	colorText       = "#eceff4"
	colorTextFaint  = "#9ca3af"
	colorWin        = "#34d399"
	colorLoss       = "#f87171"
	colorEquity     = "#3b82f6"

	chartWidthPx  = 1200
	chartHeightPx = 420
)

// Summary aggregates the closed trades behind the page.
type Summary struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	RealizedPnL float64 `json:"realized_pnl"`
	WinRate     float64 `json:"win_rate"`
}

// Summarize computes the headline numbers for a set of closed positions.
func Summarize(closed []types.Position) Summary {
	var s Summary
	for _, p := range closed {
		if p.Status != types.PositionClosed {
			continue
		}
		s.Trades++
		s.RealizedPnL += p.RealizedPnL
		if p.RealizedPnL >= 0 {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	return s
}

// Render writes the HTML performance page for one session's closed trades.
// An empty slice still renders; the page just shows a flat curve.
func Render(w io.Writer, sessionID string, closed []types.Position) error {
	trades := make([]types.Position, 0, len(closed))
	for _, p := range closed {
		if p.Status == types.PositionClosed && p.ClosedAt != nil {
			trades = append(trades, p)
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ClosedAt.Before(*trades[j].ClosedAt)
	})

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = fmt.Sprintf("keel session %s", shortID(sessionID))
	page.AddCharts(
		buildEquityLine(sessionID, trades),
		buildTradeBars(trades),
	)
	return page.Render(w)
}

func buildEquityLine(sessionID string, trades []types.Position) *charts.Line {
	line := charts.NewLine()
	summary := Summarize(trades)
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           chartstypes.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("Cumulative P&L  session %s", shortID(sessionID)),
			Subtitle: fmt.Sprintf("%d trades | %d wins / %d losses | net %.2f",
				summary.Trades, summary.Wins, summary.Losses, summary.RealizedPnL),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorText, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextFaint},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextFaint},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextFaint},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextFaint, Opacity: opts.Float(0.2)}},
		}),
	)

	xAxis := make([]string, 0, len(trades)+1)
	points := make([]opts.LineData, 0, len(trades)+1)
	xAxis = append(xAxis, "start")
	points = append(points, opts.LineData{Value: 0.0})
	running := 0.0
	for _, p := range trades {
		running += p.RealizedPnL
		xAxis = append(xAxis, p.ClosedAt.UTC().Format("01-02 15:04"))
		points = append(points, opts.LineData{Value: round2(running)})
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", points,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

func buildTradeBars(trades []types.Position) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           chartstypes.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:      "Per-trade P&L",
			Left:       "left",
			TitleStyle: &opts.TextStyle{Color: colorText},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextFaint, Rotate: 40}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextFaint},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextFaint, Opacity: opts.Float(0.15)}},
		}),
	)

	xAxis := make([]string, len(trades))
	bars := make([]opts.BarData, len(trades))
	for i, p := range trades {
		xAxis[i] = fmt.Sprintf("%s %s", p.Symbol, closeLabel(p.CloseReason))
		color := colorLoss
		if p.RealizedPnL >= 0 {
			color = colorWin
		}
		bars[i] = opts.BarData{
			Value:     round2(p.RealizedPnL),
			ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.8)},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("P&L", bars)
	return bar
}

func closeLabel(reason types.CloseReason) string {
	switch reason {
	case types.CloseTakeProfit:
		return "tp"
	case types.CloseStopLoss:
		return "sl"
	case "":
		return "?"
	default:
		return strings.ReplaceAll(string(reason), "_", " ")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
