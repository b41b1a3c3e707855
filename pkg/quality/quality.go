// Package quality scores execution records after the fact and flags
// identities whose recent records fall below the quality threshold.
package quality

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gravitas/pkg/certstore"
	"gravitas/pkg/journal"
	"gravitas/pkg/logging"
)

const (
	DefaultWindow    = 30 * 24 * time.Hour
	DefaultThreshold = 75
)

// Certificates is the slice of certstore.Table the auditor needs.
type Certificates interface {
	Identities() []string
	Flag(ctx context.Context, r certstore.Review) error
}

type Breakdown struct {
	Format       int `json:"format"`
	Completeness int `json:"completeness"`
	Efficiency   int `json:"efficiency"`
	Cost         int `json:"cost"`
}

func (b Breakdown) Total() int {
	return b.Format + b.Completeness + b.Efficiency + b.Cost
}

func (b Breakdown) String() string {
	return fmt.Sprintf("format=%d completeness=%d efficiency=%d cost=%d", b.Format, b.Completeness, b.Efficiency, b.Cost)
}

type Score struct {
	Total     int       `json:"total"`
	Records   int       `json:"records"`
	Breakdown Breakdown `json:"breakdown"`
}

type Report struct {
	Audited int              `json:"agents_audited"`
	Flagged []string         `json:"flagged_agents"`
	Details map[string]Score `json:"details"`
}

type Options struct {
	Dir       string
	Window    time.Duration
	Threshold int
	Now       func() time.Time
	Logger    logrus.FieldLogger
}

type Auditor struct {
	certs     Certificates
	dir       string
	window    time.Duration
	threshold int
	now       func() time.Time
	log       logrus.FieldLogger
}

func New(certs Certificates, opts Options) *Auditor {
	a := &Auditor{
		certs:     certs,
		dir:       opts.Dir,
		window:    opts.Window,
		threshold: opts.Threshold,
		now:       opts.Now,
		log:       logging.OrDiscard(opts.Logger),
	}
	if strings.TrimSpace(a.dir) == "" {
		a.dir = journal.DefaultDir
	}
	if a.window <= 0 {
		a.window = DefaultWindow
	}
	if a.threshold <= 0 {
		a.threshold = DefaultThreshold
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a
}

// Run audits every certified identity. Identities with no records inside
// the window are skipped and do not count as audited.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	a.log.Info("starting quality audit of execution records")
	report := Report{Details: map[string]Score{}}
	identities := a.certs.Identities()
	sort.Strings(identities)
	for _, identity := range identities {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		score, ok, err := a.AuditIdentity(identity)
		if err != nil {
			return report, err
		}
		if !ok {
			a.log.WithField("identity", identity).Warn("no execution records inside the audit window")
			continue
		}
		report.Details[identity] = score
		if score.Total >= a.threshold {
			a.log.WithFields(logrus.Fields{"identity": identity, "score": score.Total}).Info("quality audit passed")
			continue
		}
		reason := fmt.Sprintf("Quality score %d/100 is below threshold (%d). Breakdown: %s", score.Total, a.threshold, score.Breakdown)
		if err := a.certs.Flag(ctx, certstore.Review{
			AgentName: identity,
			FlaggedAt: a.now(),
			Reason:    reason,
			Score:     score.Total,
		}); err != nil {
			a.log.WithError(err).WithField("identity", identity).Error("flag for recertification failed")
			continue
		}
		report.Flagged = append(report.Flagged, identity)
		a.log.WithField("identity", identity).Warn(reason)
	}
	report.Audited = len(report.Details)
	return report, nil
}

// AuditIdentity averages the scores of the identity's records modified
// within the window. ok is false when there are none.
func (a *Auditor) AuditIdentity(identity string) (Score, bool, error) {
	files, err := a.recordFiles(identity)
	if err != nil {
		return Score{}, false, err
	}
	var sum Breakdown
	n := 0
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			a.log.WithError(err).WithField("path", path).Warn("unreadable execution record skipped")
			continue
		}
		rec, _ := journal.Parse(src)
		if rec.Identity != "" && rec.Identity != identity {
			continue
		}
		b := ScoreRecord(rec)
		sum.Format += b.Format
		sum.Completeness += b.Completeness
		sum.Efficiency += b.Efficiency
		sum.Cost += b.Cost
		n++
	}
	if n == 0 {
		return Score{}, false, nil
	}
	avg := Breakdown{
		Format:       sum.Format / n,
		Completeness: sum.Completeness / n,
		Efficiency:   sum.Efficiency / n,
		Cost:         sum.Cost / n,
	}
	return Score{Total: avg.Total(), Records: n, Breakdown: avg}, true, nil
}

func (a *Auditor) recordFiles(identity string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, globEscape(identity)+"_*.md"))
	if err != nil {
		return nil, fmt.Errorf("quality: glob records: %w", err)
	}
	cutoff := a.now().Add(-a.window)
	summarySuffix := journal.SummaryFile("")
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.HasSuffix(filepath.Base(m), summarySuffix) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() || !info.ModTime().After(cutoff) {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

var (
	efficiencyPattern = regexp.MustCompile(`^([\d.]+)\s*tok/s$`)
	costPattern       = regexp.MustCompile(`^\$([\d.]+)\s*\((L\d)\)$`)
)

// ScoreRecord scores one parsed record: format 40, completeness 30,
// efficiency 20 and cost 10.
func ScoreRecord(rec journal.Record) Breakdown {
	var b Breakdown
	if rec.HeaderFirst {
		b.Format += 10
	}
	if hasField(rec, "Started") && hasField(rec, "Model") {
		b.Format += 10
	}
	if rec.HasSection(journal.SectionThoughtStream) && rec.HasSection(journal.SectionSessionDetails) {
		b.Format += 10
	}
	if hasField(rec, "Finalized") {
		b.Format += 10
	}

	if rec.Count("THOUGHT") > 0 {
		b.Completeness += 15
	}
	if rec.Count("RESULT") > 0 {
		b.Completeness += 15
	}
	if rec.Count("ACTION") > 0 {
		b.Completeness = min(30, b.Completeness+5)
	}

	if v, ok := rec.Field("Efficiency"); ok {
		if m := efficiencyPattern.FindStringSubmatch(v); m != nil {
			if eff, err := strconv.ParseFloat(m[1], 64); err == nil && eff >= 1 && eff <= 1000 {
				b.Efficiency = 20
			} else {
				b.Efficiency = 10
			}
		}
	}
	if v, ok := rec.Field("Cost"); ok && costPattern.MatchString(v) {
		b.Cost = 10
	}
	return b
}

func hasField(rec journal.Record, name string) bool {
	_, ok := rec.Field(name)
	return ok
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
