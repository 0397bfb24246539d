package memory

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/gobwas/glob"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/logger"
)

// Reconciliation outcomes per policy event.
const (
	OutcomeRepaired        = "repaired"
	OutcomeInSync          = "in_sync"
	OutcomeUnmapped        = "unmapped"
	OutcomeSkippedArchived = "skipped_archived"
	OutcomeInvalid         = "invalid"
)

type ReconcileOptions struct {
	// EventPatterns select log event types by glob; segments split on '.'.
	EventPatterns []string
	DryRun        bool
	NowMS         int64
}

type ReconcileDetail struct {
	EventHash  string   `json:"event_hash"`
	EventType  string   `json:"event_type"`
	TargetHash string   `json:"target_hash,omitempty"`
	RecordIDs  []string `json:"record_ids,omitempty"`
	Outcome    string   `json:"outcome"`
	Note       string   `json:"note,omitempty"`
}

type ReconcileResult struct {
	Scanned  int
	Repaired int
	Unmapped int
	Details  []ReconcileDetail
}

// Reconciler repairs drift between store flags and later policy decisions
// recorded in the interaction log.
type Reconciler struct {
	store  Store
	events EventSource
	now    func() int64
}

func NewReconciler(store Store, events EventSource) *Reconciler {
	return &Reconciler{store: store, events: events, now: nowMS}
}

func compileEventPatterns(patterns []string) ([]glob.Glob, error) {
	if len(patterns) == 0 {
		patterns = []string{defaultPolicyEventPattern}
	}
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("compile event pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchesAny(matchers []glob.Glob, typ string) bool {
	for _, m := range matchers {
		if m.Match(typ) {
			return true
		}
	}
	return false
}

type policyStep struct {
	detail int
	event  PolicyEvent
}

type recordFlags struct {
	excluded    bool
	credibility float64
}

// Run folds every selected policy event in log order into the desired
// flags of its target records and repairs the records that differ.
func (r *Reconciler) Run(ctx context.Context, opts ReconcileOptions) (ReconcileResult, error) {
	res := ReconcileResult{Details: []ReconcileDetail{}}
	if r.events == nil {
		return res, fmt.Errorf("reconcile: no event source configured")
	}
	matchers, err := compileEventPatterns(opts.EventPatterns)
	if err != nil {
		return res, err
	}
	now := opts.NowMS
	if now == 0 {
		now = r.now()
	}
	events, err := r.events.Events(ctx)
	if err != nil {
		return res, err
	}

	steps := map[string][]policyStep{}
	targets := []string{}
	for _, ev := range events {
		if !matchesAny(matchers, ev.Type) {
			continue
		}
		body, err := ParseEvent(ev)
		if err != nil {
			res.Scanned++
			res.Details = append(res.Details, ReconcileDetail{
				EventHash: ev.Hash, EventType: ev.Type, Outcome: OutcomeInvalid, Note: err.Error(),
			})
			continue
		}
		pe, ok := body.(PolicyEvent)
		if !ok {
			continue
		}
		res.Scanned++
		res.Details = append(res.Details, ReconcileDetail{
			EventHash: ev.Hash, EventType: ev.Type, TargetHash: pe.TargetHash,
		})
		if _, seen := steps[pe.TargetHash]; !seen {
			targets = append(targets, pe.TargetHash)
		}
		steps[pe.TargetHash] = append(steps[pe.TargetHash], policyStep{detail: len(res.Details) - 1, event: pe})
	}

	for _, target := range targets {
		recs, err := r.store.ListRecordsBySourceHash(ctx, target)
		if err != nil {
			return res, err
		}
		group := steps[target]
		if len(recs) == 0 {
			for _, st := range group {
				res.Details[st.detail].Outcome = OutcomeUnmapped
				res.Unmapped++
			}
			logger.WarnCF("reconcile", "policy event has no matching record", map[string]interface{}{
				"target_hash": target,
				"events":      len(group),
			})
			continue
		}

		ids := make([]string, 0, len(recs))
		repairedAny := false
		archivedSkip := false
		for _, rec := range recs {
			ids = append(ids, rec.ID)
			want, skipped := foldPolicy(rec, group)
			archivedSkip = archivedSkip || skipped
			if !policyDrift(rec, want) {
				continue
			}
			repairedAny = true
			res.Repaired++
			if opts.DryRun {
				continue
			}
			reason := group[len(group)-1].event.Reason
			if reason == "" {
				reason = string(group[len(group)-1].event.Action)
			}
			if err := r.store.SetRecordFlags(ctx, rec.ID, want.excluded, want.credibility, reason, now); err != nil {
				return res, err
			}
			logger.InfoCF("reconcile", "record repaired", map[string]interface{}{
				"id":          rec.ID,
				"excluded":    want.excluded,
				"credibility": want.credibility,
			})
		}

		outcome := OutcomeInSync
		if repairedAny {
			outcome = OutcomeRepaired
		}
		for _, st := range group {
			d := &res.Details[st.detail]
			d.RecordIDs = ids
			d.Outcome = outcome
			if st.event.Action == PolicyRestore && archivedSkip {
				d.Outcome = OutcomeSkippedArchived
				d.Note = "archived records stay excluded until rehydrated"
			}
		}
	}

	_ = r.store.AddMetric(ctx, "memory.reconcile.repaired", float64(res.Repaired), map[string]string{
		"dry_run": fmt.Sprintf("%t", opts.DryRun),
	})
	logger.InfoCF("reconcile", "reconciliation finished", map[string]interface{}{
		"scanned":  res.Scanned,
		"repaired": res.Repaired,
		"unmapped": res.Unmapped,
	})
	return res, nil
}

// policyDrift reports whether the stored record disagrees with the folded
// policy flags. Archived records are always excluded, so only their
// persisted policy marker is compared.
func policyDrift(rec MemoryRecord, want recordFlags) bool {
	if want.credibility != rec.CredibilityScore || want.excluded != rec.PolicyExcluded() {
		return true
	}
	return rec.State != StateArchive && want.excluded != rec.ExcludedFromRecall
}

// foldPolicy applies policy steps in order starting from the record's
// current policy flags. It reports whether a restore was withheld from
// recall for an archived record; the restore still clears its policy
// marker.
func foldPolicy(rec MemoryRecord, steps []policyStep) (recordFlags, bool) {
	f := recordFlags{excluded: rec.ExcludedFromRecall, credibility: rec.CredibilityScore}
	if rec.State == StateArchive {
		f.excluded = rec.PolicyExcluded()
	}
	skipped := false
	for _, st := range steps {
		switch st.event.Action {
		case PolicyRetract:
			f.excluded = true
			limit := 0.0
			if st.event.Credibility != nil {
				limit = *st.event.Credibility
			}
			f.credibility = math.Min(f.credibility, limit)
		case PolicyExclude:
			f.excluded = true
		case PolicyRestore:
			if rec.State == StateArchive {
				skipped = true
			}
			f.excluded = false
		case PolicyCredibility:
			if st.event.Credibility != nil {
				f.credibility = *st.event.Credibility
			}
		}
	}
	return f, skipped
}
