package abuse

import (
	"fmt"
	"math"
	"sort"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
)

// Detector evaluates observations against a Config. It holds no mutable state
// and is safe for concurrent use.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector. Zero-valued thresholds fall back to DefaultConfig.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxSyntheticShare <= 0 {
		cfg.MaxSyntheticShare = def.MaxSyntheticShare
	}
	if cfg.RingMinReviews <= 0 {
		cfg.RingMinReviews = def.RingMinReviews
	}
	if cfg.RingMaxReviewers <= 0 {
		cfg.RingMaxReviewers = def.RingMaxReviewers
	}
	if cfg.RingMinRepeatRatio <= 0 {
		cfg.RingMinRepeatRatio = def.RingMinRepeatRatio
	}
	if cfg.OscillationMinFlips <= 0 {
		cfg.OscillationMinFlips = def.OscillationMinFlips
	}
	if cfg.OscillationMinMove <= 0 {
		cfg.OscillationMinMove = def.OscillationMinMove
	}
	if cfg.RetaliationMinAdverse <= 0 {
		cfg.RetaliationMinAdverse = def.RetaliationMinAdverse
	}
	if cfg.RetaliationMinDrop <= 0 {
		cfg.RetaliationMinDrop = def.RetaliationMinDrop
	}
	if cfg.SupervisorSpamMin <= 0 {
		cfg.SupervisorSpamMin = def.SupervisorSpamMin
	}
	if cfg.SybilMinReviewers <= 0 {
		cfg.SybilMinReviewers = def.SybilMinReviewers
	}
	if cfg.SybilSpanMs <= 0 {
		cfg.SybilSpanMs = def.SybilSpanMs
	}
	if cfg.CollusionMinReviews <= 0 {
		cfg.CollusionMinReviews = def.CollusionMinReviews
	}
	if cfg.CollusionSpreadMs <= 0 {
		cfg.CollusionSpreadMs = def.CollusionSpreadMs
	}
	if cfg.DebtHigh <= 0 {
		cfg.DebtHigh = def.DebtHigh
	}
	return &Detector{cfg: cfg}
}

// Window returns how many prior observations Inspect uses.
func (d *Detector) Window() int { return d.cfg.Window }

// Inspect returns the signals raised by cand given the preceding observations
// (oldest first). Only the last Window entries of prior are considered.
func (d *Detector) Inspect(prior []Observation, cand Observation) []Signal {
	if len(prior) > d.cfg.Window {
		prior = prior[len(prior)-d.cfg.Window:]
	}
	all := make([]Observation, 0, len(prior)+1)
	all = append(all, prior...)
	all = append(all, cand)

	var out []Signal
	for _, check := range []func([]Observation, Observation) (Signal, bool){
		d.syntheticShare,
		d.reviewerConcentration,
		d.oscillation,
		d.retaliation,
		d.impersonation,
		d.sybilBurst,
		d.coordinatedBurst,
		d.trustDebt,
	} {
		if s, ok := check(all, cand); ok {
			out = append(out, s)
		}
	}
	return out
}

func (d *Detector) syntheticShare(_ []Observation, cand Observation) (Signal, bool) {
	added := 0
	for _, r := range cand.Delta.AddedReviews {
		if r.IsSynthetic() {
			added++
		}
	}
	share := cand.After.SyntheticShare
	if added == 0 || share <= d.cfg.MaxSyntheticShare {
		return Signal{}, false
	}
	sev := SeverityWarning
	if share >= 2*d.cfg.MaxSyntheticShare {
		sev = SeverityCritical
	}
	return Signal{
		Type:        SignalSyntheticShare,
		Severity:    sev,
		Description: fmt.Sprintf("synthetic evidence is %.0f%% of the evidence set", share*100),
		Data:        map[string]float64{"synthetic_share": share, "max": d.cfg.MaxSyntheticShare, "added": float64(added)},
	}, true
}

func (d *Detector) reviewerConcentration(all []Observation, cand Observation) (Signal, bool) {
	if countPositive(cand.Delta.AddedReviews) == 0 {
		return Signal{}, false
	}
	perReviewer := map[string]int{}
	n := 0
	for _, o := range all {
		for _, r := range o.Delta.AddedReviews {
			if r.SignedWeight() > 0 && r.ReviewerID != "" {
				perReviewer[r.Reviewer()]++
				n++
			}
		}
	}
	k := len(perReviewer)
	if k == 0 || n < d.cfg.RingMinReviews || k > d.cfg.RingMaxReviewers {
		return Signal{}, false
	}
	ratio := float64(n) / float64(k)
	if ratio < d.cfg.RingMinRepeatRatio {
		return Signal{}, false
	}
	return Signal{
		Type:        SignalReviewerConcentration,
		Severity:    SeverityCritical,
		Description: fmt.Sprintf("%d positive reviews from only %d reviewers", n, k),
		Data:        map[string]float64{"reviews": float64(n), "reviewers": float64(k), "repeat_ratio": ratio},
	}, true
}

func (d *Detector) oscillation(all []Observation, cand Observation) (Signal, bool) {
	candMove := cand.After.Outputs.TrustScore - cand.Before.Outputs.TrustScore
	if math.Abs(candMove) < d.cfg.OscillationMinMove {
		return Signal{}, false
	}
	flips, last := 0, 0
	for _, o := range all {
		mv := o.After.Outputs.TrustScore - o.Before.Outputs.TrustScore
		if math.Abs(mv) < d.cfg.OscillationMinMove {
			continue
		}
		sign := 1
		if mv < 0 {
			sign = -1
		}
		if last != 0 && sign != last {
			flips++
		}
		last = sign
	}
	if flips < d.cfg.OscillationMinFlips {
		return Signal{}, false
	}
	return Signal{
		Type:        SignalOscillation,
		Severity:    SeverityWarning,
		Description: fmt.Sprintf("trust changed direction %d times in %d actions", flips, len(all)),
		Data:        map[string]float64{"flips": float64(flips), "actions": float64(len(all))},
	}, true
}

func (d *Detector) retaliation(all []Observation, cand Observation) (Signal, bool) {
	var adverse []evidence.Review
	for _, r := range cand.Delta.AddedReviews {
		if r.SignedWeight() < 0 {
			adverse = append(adverse, r)
		}
	}
	if len(adverse) == 0 {
		return Signal{}, false
	}

	positiveBefore := map[string]struct{}{}
	for _, r := range cand.Before.Evidence {
		if r.SignedWeight() > 0 && r.ReviewerID != "" {
			positiveBefore[r.Reviewer()] = struct{}{}
		}
	}
	flipped := 0
	for _, r := range adverse {
		if r.ReviewerID == "" {
			continue
		}
		if _, ok := positiveBefore[r.Reviewer()]; ok {
			flipped++
		}
	}

	total := 0
	for _, o := range all {
		for _, r := range o.Delta.AddedReviews {
			if r.SignedWeight() < 0 {
				total++
			}
		}
	}
	drop := all[0].Before.Outputs.TrustScore - cand.After.Outputs.TrustScore
	burst := total >= d.cfg.RetaliationMinAdverse && drop >= d.cfg.RetaliationMinDrop

	if flipped == 0 && !burst {
		return Signal{}, false
	}
	sev := SeverityWarning
	if flipped > 0 && burst {
		sev = SeverityCritical
	}
	return Signal{
		Type:        SignalRetaliation,
		Severity:    sev,
		Description: fmt.Sprintf("%d adverse reviews in window, %d from previously positive reviewers, trust down %.1f", total, flipped, drop),
		Data:        map[string]float64{"adverse": float64(total), "flipped": float64(flipped), "drop": drop},
	}, true
}

func (d *Detector) impersonation(all []Observation, cand Observation) (Signal, bool) {
	known := map[string]string{}
	for _, r := range cand.Before.Evidence {
		if r.ReviewerID != "" {
			known[r.Reviewer()] = r.ReviewerID
		}
	}
	spoofed := 0
	candSupervisor := 0
	for _, r := range cand.Delta.AddedReviews {
		if r.ReviewerID != "" {
			if raw, ok := known[r.Reviewer()]; ok && raw != r.ReviewerID {
				spoofed++
			}
		}
		if r.Source == evidence.SourceSupervisor {
			candSupervisor++
		}
	}

	supervisor := 0
	for _, o := range all {
		for _, r := range o.Delta.AddedReviews {
			if r.Source == evidence.SourceSupervisor {
				supervisor++
			}
		}
	}
	spam := candSupervisor > 0 && supervisor >= d.cfg.SupervisorSpamMin

	if spoofed == 0 && !spam {
		return Signal{}, false
	}
	desc := fmt.Sprintf("%d supervisor claims in window", supervisor)
	if spoofed > 0 {
		desc = fmt.Sprintf("%d reviews from look-alike identities; %s", spoofed, desc)
	}
	return Signal{
		Type:        SignalImpersonation,
		Severity:    SeverityCritical,
		Description: desc,
		Data:        map[string]float64{"spoofed": float64(spoofed), "supervisor_claims": float64(supervisor)},
	}, true
}

func (d *Detector) sybilBurst(all []Observation, cand Observation) (Signal, bool) {
	if countPositive(cand.Delta.AddedReviews) == 0 {
		return Signal{}, false
	}
	established := map[string]struct{}{}
	for _, r := range all[0].Before.Evidence {
		if r.ReviewerID != "" {
			established[r.Reviewer()] = struct{}{}
		}
	}
	type seen struct {
		count int
		ts    int64
	}
	fresh := map[string]*seen{}
	for _, o := range all {
		for _, r := range o.Delta.AddedReviews {
			if r.SignedWeight() <= 0 || r.ReviewerID == "" {
				continue
			}
			key := r.Reviewer()
			if _, ok := established[key]; ok {
				continue
			}
			if s, ok := fresh[key]; ok {
				s.count++
				continue
			}
			fresh[key] = &seen{count: 1, ts: r.Timestamp}
		}
	}
	var ts []int64
	for _, s := range fresh {
		if s.count == 1 {
			ts = append(ts, s.ts)
		}
	}
	if len(ts) < d.cfg.SybilMinReviewers {
		return Signal{}, false
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	span := ts[len(ts)-1] - ts[0]
	if span > d.cfg.SybilSpanMs {
		return Signal{}, false
	}
	return Signal{
		Type:        SignalSybilBurst,
		Severity:    SeverityCritical,
		Description: fmt.Sprintf("%d previously unseen single-use reviewers within %dms", len(ts), span),
		Data:        map[string]float64{"fresh_reviewers": float64(len(ts)), "span_ms": float64(span)},
	}, true
}

func (d *Detector) coordinatedBurst(all []Observation, cand Observation) (Signal, bool) {
	inCand := map[string]struct{}{}
	for _, r := range cand.Delta.AddedReviews {
		if r.SignedWeight() > 0 {
			inCand[weightKey(r.Weight)] = struct{}{}
		}
	}
	if len(inCand) == 0 {
		return Signal{}, false
	}
	type group struct {
		reviewers map[string]struct{}
		lo, hi    int64
	}
	groups := map[string]*group{}
	for _, o := range all {
		for _, r := range o.Delta.AddedReviews {
			key := weightKey(r.Weight)
			if _, ok := inCand[key]; !ok || r.ReviewerID == "" {
				continue
			}
			g, ok := groups[key]
			if !ok {
				g = &group{reviewers: map[string]struct{}{}, lo: r.Timestamp, hi: r.Timestamp}
				groups[key] = g
			}
			g.reviewers[r.Reviewer()] = struct{}{}
			g.lo = min(g.lo, r.Timestamp)
			g.hi = max(g.hi, r.Timestamp)
		}
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		g := groups[k]
		if len(g.reviewers) >= d.cfg.CollusionMinReviews && g.hi-g.lo <= d.cfg.CollusionSpreadMs {
			return Signal{
				Type:        SignalCoordinatedBurst,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("%d reviewers posted identical weight %s within %dms", len(g.reviewers), k, g.hi-g.lo),
				Data:        map[string]float64{"reviewers": float64(len(g.reviewers)), "spread_ms": float64(g.hi - g.lo)},
			}, true
		}
	}
	return Signal{}, false
}

func (d *Detector) trustDebt(_ []Observation, cand Observation) (Signal, bool) {
	debt := cand.After.Outputs.TrustDebt
	if debt <= d.cfg.DebtHigh {
		return Signal{}, false
	}
	return Signal{
		Type:        SignalTrustDebtHigh,
		Severity:    SeverityWarning,
		Description: fmt.Sprintf("trust debt %.1f exceeds %.1f", debt, d.cfg.DebtHigh),
		Data:        map[string]float64{"trust_debt": debt, "limit": d.cfg.DebtHigh},
	}, true
}

func countPositive(rs []evidence.Review) int {
	n := 0
	for _, r := range rs {
		if r.SignedWeight() > 0 {
			n++
		}
	}
	return n
}

func weightKey(w float64) string {
	return fmt.Sprintf("%.6f", w)
}

// Types returns the distinct signal types in ss, in first-seen order.
func Types(ss []Signal) []SignalType {
	var out []SignalType
	seen := map[SignalType]struct{}{}
	for _, s := range ss {
		if _, ok := seen[s.Type]; !ok {
			seen[s.Type] = struct{}{}
			out = append(out, s.Type)
		}
	}
	return out
}
