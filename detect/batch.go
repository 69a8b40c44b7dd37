package detect

import (
	"sort"
	"strings"
	"time"

	"ruleforge/core"
)

// Batch chunk sizes. Interactive callers get smaller chunks so a progress
// callback fires often enough to keep a UI responsive.
const (
	DefaultChunkSize     = 512
	InteractiveChunkSize = 64
)

// BatchOptions tunes a batch run.
type BatchOptions struct {
	// ChunkSize is the number of events processed per Next call. Zero picks
	// a default based on Interactive.
	ChunkSize int
	// Interactive shrinks the default chunk size for UI-driven callers.
	Interactive bool
	// QuickReject enables the literal prefilter stage.
	QuickReject bool
	// Progress, when set, is invoked after every chunk with the number of
	// events processed so far, the total, and a snapshot of the counters.
	Progress func(processed, total int, stats BatchStats)
}

// BatchStats summarizes the work a batch run performed. Evaluations,
// KeySkips, RouteSkips, and PrefilterSkips partition the rules-times-events
// product.
type BatchStats struct {
	Events         int           `json:"events"`
	Rules          int           `json:"rules"`
	Chunks         int           `json:"chunks"`
	Evaluations    int           `json:"evaluations"`
	KeySkips       int           `json:"key_skips"`
	RouteSkips     int           `json:"route_skips"`
	PrefilterSkips int           `json:"prefilter_skips"`
	Matches        int           `json:"matches"`
	Elapsed        time.Duration `json:"elapsed"`
}

// ruleGroup bundles rules sharing a required-key signature so the presence
// probe runs once per group per event instead of once per rule. A group whose
// keys appear in no event at all is dead for the whole run.
type ruleGroup struct {
	requiredKeys []string
	ruleIdx      []int
	dead         bool
}

// BatchRun matches a rule set against an event list in cooperative chunks.
// It is single-threaded by design: the caller drives it with Next (or Run)
// and regains control between chunks, which keeps long scans interruptible
// without any locking.
//
// Results preserve event order, and within one event, rule order.
type BatchRun struct {
	matcher *Matcher
	rules   []*CompiledRule
	events  []*core.Event
	opts    BatchOptions

	prefilter *Prefilter
	groups    []ruleGroup
	eventKeys []map[string]bool

	next    int
	results []*MatchEvidence
	stats   BatchStats
}

// NewBatchRun prepares a batch over the given rules and events. Rule
// grouping and the optional prefilter automaton are built up front so every
// chunk pays only per-event costs.
func NewBatchRun(matcher *Matcher, rules []*CompiledRule, events []*core.Event, opts BatchOptions) *BatchRun {
	if matcher == nil {
		matcher = NewMatcher(nil, nil)
	}
	if opts.ChunkSize <= 0 {
		if opts.Interactive {
			opts.ChunkSize = InteractiveChunkSize
		} else {
			opts.ChunkSize = DefaultChunkSize
		}
	}

	b := &BatchRun{
		matcher: matcher,
		rules:   rules,
		events:  events,
		opts:    opts,
	}
	b.stats.Events = len(events)
	b.stats.Rules = len(rules)

	if opts.QuickReject {
		b.prefilter = BuildPrefilter(rules)
	}
	b.groups = groupRulesByKeys(rules)
	b.indexEventKeys()
	return b
}

// indexEventKeys resolves every required key against every event once, then
// marks groups whose keys no event satisfies as dead. Chunks afterwards probe
// presence by map lookup instead of re-resolving fields.
func (b *BatchRun) indexEventKeys() {
	keySet := map[string]bool{}
	for gi := range b.groups {
		for _, key := range b.groups[gi].requiredKeys {
			keySet[key] = true
		}
	}
	if len(keySet) == 0 {
		return
	}

	b.eventKeys = make([]map[string]bool, len(b.events))
	for i, event := range b.events {
		present := make(map[string]bool, len(keySet))
		for key := range keySet {
			_, ok := b.matcher.resolver.Resolve(event, key)
			present[key] = ok
		}
		b.eventKeys[i] = present
	}

	for gi := range b.groups {
		group := &b.groups[gi]
		if len(group.requiredKeys) == 0 {
			continue
		}
		group.dead = true
		for i := range b.events {
			if b.keysPresent(group, i) {
				group.dead = false
				break
			}
		}
	}
}

// keysPresent reports whether event i carries every required key of a group.
func (b *BatchRun) keysPresent(group *ruleGroup, i int) bool {
	for _, key := range group.requiredKeys {
		if !b.eventKeys[i][key] {
			return false
		}
	}
	return true
}

// Done reports whether every event has been processed.
func (b *BatchRun) Done() bool {
	return b.next >= len(b.events)
}

// Next processes one chunk of events and returns true while work remains.
func (b *BatchRun) Next() bool {
	if b.Done() {
		return false
	}
	start := time.Now()

	end := b.next + b.opts.ChunkSize
	if end > len(b.events) {
		end = len(b.events)
	}
	for ; b.next < end; b.next++ {
		b.matchEvent(b.next)
	}
	b.stats.Chunks++
	b.stats.Elapsed += time.Since(start)

	if b.opts.Progress != nil {
		b.opts.Progress(b.next, len(b.events), b.stats)
	}
	return !b.Done()
}

// Run drives Next to completion and returns the accumulated results.
func (b *BatchRun) Run() []*MatchEvidence {
	for b.Next() {
	}
	return b.results
}

// Results returns the matches accumulated so far.
func (b *BatchRun) Results() []*MatchEvidence {
	return b.results
}

// ResultsByRule groups the matches accumulated so far by rule ID, preserving
// event order within each rule's slice.
func (b *BatchRun) ResultsByRule() map[string][]*MatchEvidence {
	byRule := map[string][]*MatchEvidence{}
	for _, evidence := range b.results {
		byRule[evidence.Rule.ID] = append(byRule[evidence.Rule.ID], evidence)
	}
	return byRule
}

// Stats returns a snapshot of the run's counters.
func (b *BatchRun) Stats() BatchStats {
	return b.stats
}

// matchEvent runs every rule group over event i, applying log-source routing,
// the key index, and the prefilter before falling through to full evaluation.
func (b *BatchRun) matchEvent(i int) {
	event := b.events[i]

	var survivors map[int]bool
	if b.prefilter != nil && b.prefilter.PatternCount() > 0 {
		survivors = b.prefilter.Survivors(b.matcher.keywordHaystack(event))
	}

	for gi := range b.groups {
		group := &b.groups[gi]
		if group.dead || !b.keysPresent(group, i) {
			b.stats.KeySkips += len(group.ruleIdx)
			continue
		}

		for _, ruleIdx := range group.ruleIdx {
			if !routesTo(b.rules[ruleIdx].Rule, event) {
				b.stats.RouteSkips++
				continue
			}
			if b.prefilter != nil && b.prefilter.Guarded(ruleIdx) && !survivors[ruleIdx] {
				b.stats.PrefilterSkips++
				continue
			}
			b.stats.Evaluations++
			if evidence := b.matcher.Match(b.rules[ruleIdx], event); evidence != nil {
				b.results = append(b.results, evidence)
				b.stats.Matches++
			}
		}
	}
}

// groupRulesByKeys buckets rules by their required-key signature, keeping
// the original rule order within and across groups stable.
func groupRulesByKeys(rules []*CompiledRule) []ruleGroup {
	index := map[string]int{}
	var groups []ruleGroup

	for ruleIdx, rule := range rules {
		keys := requiredKeys(rule)
		sig := strings.Join(keys, "\x00")
		gi, ok := index[sig]
		if !ok {
			gi = len(groups)
			groups = append(groups, ruleGroup{requiredKeys: keys})
			index[sig] = gi
		}
		groups[gi].ruleIdx = append(groups[gi].ruleIdx, ruleIdx)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].ruleIdx[0] < groups[j].ruleIdx[0]
	})
	return groups
}

// requiredKeys derives the fields an event must carry for the rule to have
// any chance of matching: for each selection the condition proves necessary,
// a field probed positively in every one of its groups is itself necessary.
func requiredKeys(rule *CompiledRule) []string {
	keySet := map[string]bool{}

	for _, name := range requiredSelections(rule.Condition) {
		sel, ok := rule.Selection(name)
		if !ok {
			continue
		}
		perGroup := make([]map[string]bool, sel.Groups)
		for g := range perGroup {
			perGroup[g] = map[string]bool{}
		}
		for i := range sel.Conditions {
			cond := &sel.Conditions[i]
			if cond.Field == "" || cond.NullTarget {
				continue
			}
			if cond.Modifier == ModifierExists && !cond.ExistsExpect {
				continue
			}
			perGroup[cond.Group][cond.Field] = true
		}
		if len(perGroup) == 0 {
			continue
		}
		for field := range perGroup[0] {
			everywhere := true
			for g := 1; g < len(perGroup); g++ {
				if !perGroup[g][field] {
					everywhere = false
					break
				}
			}
			if everywhere {
				keySet[field] = true
			}
		}
	}

	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
