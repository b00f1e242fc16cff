package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/n0madic/go-rare-event-is/engine"
	"github.com/n0madic/go-rare-event-is/model"
	"github.com/n0madic/go-rare-event-is/research"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorBorder  = lipgloss.Color("#16858E")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#5C7A84")
)

var styles = struct {
	title  lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	muted  lipgloss.Style
	good   lipgloss.Style
	warn   lipgloss.Style
	err    lipgloss.Style
	box    lipgloss.Style
}{
	title:  lipgloss.NewStyle().Bold(true).Foreground(colorAccent).MarginTop(1),
	header: lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1),
	cell:   lipgloss.NewStyle().Padding(0, 1),
	muted:  lipgloss.NewStyle().Foreground(colorMuted),
	good:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	warn:   lipgloss.NewStyle().Bold(true).Foreground(colorWarning),
	err:    lipgloss.NewStyle().Bold(true).Foreground(colorError),
	box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Padding(0, 1),
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.header
			}
			return styles.cell
		})
}

func g(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func renderParams(w io.Writer, p model.Params, n int) {
	t := newTable("beta0", "beta1", "n", "X0", "a", "M", "N", "stationary mean").
		Row(g(p.Beta0), g(p.Beta1), strconv.Itoa(p.Steps), strconv.Itoa(p.InitialState),
			g(p.Threshold), strconv.Itoa(p.Trials), strconv.Itoa(n), g(p.StationaryMean()))
	fmt.Fprintln(w, styles.title.Render("Model"))
	fmt.Fprintln(w, t.String())
}

func renderSolution(w io.Writer, sol engine.Solution) {
	status := styles.good.Render("solved")
	switch {
	case sol.Clamped:
		status = styles.warn.Render("clamped")
	case !sol.Converged:
		status = styles.warn.Render("sweep budget exhausted")
	}
	t := newTable("theta*", "rho", "Lambda(theta*)", "|Lambda' - a|", "bisections", "status").
		Row(g(sol.Theta), g(sol.Rho), g(sol.Lambda()), fmt.Sprintf("%.2e", sol.Residual),
			strconv.Itoa(sol.Iterations), status)
	fmt.Fprintln(w, styles.title.Render("Optimal tilt"))
	fmt.Fprintln(w, t.String())
	renderLog(w, "Solver log", sol.Log)
}

func renderLog(w io.Writer, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(w, styles.title.Render(title))
	for _, line := range lines {
		fmt.Fprintln(w, styles.muted.Render("  "+line))
	}
}

func renderTrajectory(w io.Writer, tr model.Trajectory, a float64) {
	t := newTable("t", "X_t", "lambda_t", "S_t/t", "rare")
	rare := tr.RareAt(a)
	for i, pt := range tr.Points {
		flag := ""
		if rare[i] {
			flag = styles.warn.Render("*")
		}
		t.Row(strconv.Itoa(pt.T), strconv.Itoa(pt.X), g(pt.Lambda), fmt.Sprintf("%.4f", pt.RunningMean), flag)
	}
	fmt.Fprintln(w, styles.title.Render(fmt.Sprintf("Trajectory (%s measure)", tr.Measure)))
	fmt.Fprintln(w, t.String())

	summary := fmt.Sprintf("S_n/n = %.4f (a = %s)", tr.FinalMean(), g(a))
	if tr.Measure == model.Twisted {
		summary += fmt.Sprintf("   log L = %.4f", tr.LogLikelihoodRatio)
	}
	fmt.Fprintln(w, styles.box.Render(summary))
}

func renderComparison(w io.Writer, cmp model.Comparison) {
	row := func(name string, r model.BatchResult) []string {
		ess := "-"
		meanL := "-"
		if name != "naive" {
			ess = g(r.EffectiveSampleSize)
			meanL = g(r.MeanLikelihoodRatio)
		}
		return []string{
			name,
			g(r.EstimatedProbability),
			g(r.Variance),
			fmt.Sprintf("[%s, %s]", g(r.ConfidenceInterval[0]), g(r.ConfidenceInterval[1])),
			fmt.Sprintf("%d / %d", r.TotalHits, r.Trials),
			ess,
			meanL,
		}
	}
	t := newTable("estimator", "p", "variance", "95% CI", "hits", "ESS", "mean L").
		Row(row("naive", cmp.Naive)...).
		Row(row("importance sampling", cmp.ImportanceSampled)...)
	fmt.Fprintln(w, styles.title.Render("Estimates"))
	fmt.Fprintln(w, t.String())

	a := cmp.Assess()
	verdict := styles.good
	switch a.Efficiency {
	case model.Degenerate:
		verdict = styles.warn
	case model.Inefficient:
		verdict = styles.err
	}
	lines := fmt.Sprintf("variance reduction factor: %s  %s", g(a.VRF), verdict.Render(string(a.Efficiency)))
	switch {
	case a.Rare && cmp.Naive.TotalHits == 0:
		lines += "\nnaive Monte Carlo saw no hits; its variance estimate is degenerate"
	case a.Common:
		lines += "\nthe event is not rare: importance sampling is expected to match naive sampling"
	}
	fmt.Fprintln(w, styles.box.Render(lines))
}

func renderResearch(w io.Writer, res research.Result) {
	fmt.Fprintln(w, styles.title.Render("Literature"))
	fmt.Fprintln(w, res.Summary)
	if res.OverlapRisk != "" {
		fmt.Fprintln(w, styles.box.Render("overlap risk: "+res.OverlapRisk))
	}
	if len(res.Sources) == 0 {
		return
	}
	t := newTable("#", "title", "link")
	for i, s := range res.Sources {
		t.Row(strconv.Itoa(i+1), s.Title, s.URI)
	}
	fmt.Fprintln(w, t.String())
}

func renderExplanation(w io.Writer, exp research.Explanation) {
	fmt.Fprintln(w, styles.title.Render("Explanation"))
	fmt.Fprintln(w, exp.Text)
	if exp.Fallback {
		fmt.Fprintln(w, styles.muted.Render(fmt.Sprintf("(answered by fallback model %s)", exp.Model)))
	}
}
