package detect

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ruleforge/core"
	"ruleforge/metrics"
	"ruleforge/sigma"
)

// EngineConfig tunes an Engine instance.
type EngineConfig struct {
	// Lazy defers rule compilation to first use instead of compiling at
	// load time. Load gets cheaper; the first match pays the difference.
	Lazy bool
	// StrictValidation rejects rule documents failing schema validation.
	StrictValidation bool
	// RegexCacheSize bounds the compiled-regex cache (0 = default).
	RegexCacheSize int
	// RegexTimeout bounds a single regex match (0 = default).
	RegexTimeout time.Duration
	// FieldCacheSize bounds the parsed raw-payload cache (0 = default).
	FieldCacheSize int
	// Logger receives engine diagnostics. Nil means silent.
	Logger *zap.SugaredLogger
}

// EngineStats is a snapshot of the engine's counters.
type EngineStats struct {
	RulesLoaded     int64 `json:"rules_loaded"`
	RulesFailed     int64 `json:"rules_failed"`
	RulesCompiled   int64 `json:"rules_compiled"`
	LazyCompiles    int64 `json:"lazy_compiles"`
	EventsEvaluated int64 `json:"events_evaluated"`
	MatchesProduced int64 `json:"matches_produced"`

	// EvalTime is the cumulative wall time MatchEvent has spent; AvgEvalTime
	// is EvalTime over EventsEvaluated.
	EvalTime    time.Duration `json:"eval_time"`
	AvgEvalTime time.Duration `json:"avg_eval_time"`
}

// LoadSummary reports the outcome of loading one rule stream.
type LoadSummary struct {
	Loaded   int
	Failed   int
	Warnings []sigma.ValidationWarning
	// Errors holds one entry per rejected document. Loading continues past
	// rejected documents; the summary keeps the full account.
	Errors []error
}

// ruleEntry pairs a stored rule with its compilation state. compileErr is
// sticky: a rule that failed to compile stays failed until reloaded.
type ruleEntry struct {
	rule       *sigma.Rule
	compiled   *CompiledRule
	compileErr error
}

// Engine is the top-level facade: it loads rules, routes them by log
// source, and matches events one at a time or in batches. An Engine and
// everything it owns follow a single-threaded cooperative model; counters
// use atomics only so Stats can be read from a monitoring goroutine.
type Engine struct {
	cfg EngineConfig
	log *zap.SugaredLogger

	parser    *sigma.Parser
	compiler  *Compiler
	modifiers *ModifierSet
	resolver  *core.FieldResolver
	matcher   *Matcher

	// entries preserves load order; byID serves lookups.
	entries []*ruleEntry
	byID    map[string]*ruleEntry

	rulesLoaded     atomic.Int64
	rulesFailed     atomic.Int64
	rulesCompiled   atomic.Int64
	lazyCompiles    atomic.Int64
	eventsEvaluated atomic.Int64
	matchesProduced atomic.Int64
	evalNanos       atomic.Int64
}

// NewEngine builds an engine from config.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	modifiers := NewModifierSet(cfg.RegexCacheSize, cfg.RegexTimeout)
	resolver := core.NewFieldResolver(cfg.FieldCacheSize)

	parser := sigma.NewParser()
	parser.Strict = cfg.StrictValidation

	return &Engine{
		cfg:       cfg,
		log:       logger,
		parser:    parser,
		compiler:  NewCompiler(),
		modifiers: modifiers,
		resolver:  resolver,
		matcher:   NewMatcher(modifiers, resolver),
		byID:      map[string]*ruleEntry{},
	}
}

// LoadRules parses a YAML stream of rule documents and stores every rule
// it can. Individual document failures are collected in the summary rather
// than aborting the load; the returned error is reserved for a stream that
// yields nothing usable at all.
func (e *Engine) LoadRules(data []byte, label string) (*LoadSummary, error) {
	summary := &LoadSummary{}

	rules, err := e.parser.ParseStream(data, label)
	summary.Warnings = append(summary.Warnings, e.parser.Warnings()...)
	if err != nil {
		summary.Failed++
		summary.Errors = append(summary.Errors, err)
		e.rulesFailed.Add(1)
		metrics.RuleLoadFailures.WithLabelValues("parse").Inc()
		e.log.Warnw("rule stream rejected", "label", label, "error", err)
		return summary, err
	}

	for _, rule := range rules {
		if err := e.AddRule(rule); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, err)
			continue
		}
		summary.Loaded++
	}

	e.log.Infow("rules loaded",
		"label", label,
		"loaded", summary.Loaded,
		"failed", summary.Failed,
		"warnings", len(summary.Warnings),
	)
	return summary, nil
}

// AddRule stores one parsed rule. In eager mode the rule is compiled
// immediately and compilation failures reject it; in lazy mode compilation
// waits for first use.
func (e *Engine) AddRule(rule *sigma.Rule) error {
	if rule == nil {
		return fmt.Errorf("nil rule")
	}
	if _, exists := e.byID[rule.ID]; exists {
		return fmt.Errorf("duplicate rule id %s", rule.ID)
	}

	entry := &ruleEntry{rule: rule}
	if !e.cfg.Lazy {
		compiled, err := e.compiler.Compile(rule)
		if err != nil {
			e.rulesFailed.Add(1)
			metrics.RuleLoadFailures.WithLabelValues("compile").Inc()
			e.log.Warnw("rule rejected", "rule", rule.ID, "title", rule.Title, "error", err)
			return err
		}
		entry.compiled = compiled
		e.rulesCompiled.Add(1)
	}

	e.entries = append(e.entries, entry)
	e.byID[rule.ID] = entry
	e.rulesLoaded.Add(1)
	metrics.RulesLoaded.WithLabelValues(rule.Status).Inc()
	return nil
}

// Rules returns the stored rules in load order.
func (e *Engine) Rules() []*sigma.Rule {
	rules := make([]*sigma.Rule, 0, len(e.entries))
	for _, entry := range e.entries {
		rules = append(rules, entry.rule)
	}
	return rules
}

// Rule returns a stored rule by ID.
func (e *Engine) Rule(id string) (*sigma.Rule, bool) {
	entry, ok := e.byID[id]
	if !ok {
		return nil, false
	}
	return entry.rule, true
}

// Remove drops a stored rule by ID. It reports whether the rule existed.
// Load counters are not rewound; they account for lifetime loads.
func (e *Engine) Remove(id string) bool {
	if _, ok := e.byID[id]; !ok {
		return false
	}
	delete(e.byID, id)
	for i, entry := range e.entries {
		if entry.rule.ID == id {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			break
		}
	}
	return true
}

// ensureCompiled returns the compiled form of an entry, compiling on first
// use in lazy mode. Failures are sticky so a broken rule logs once.
func (e *Engine) ensureCompiled(entry *ruleEntry) (*CompiledRule, error) {
	if entry.compiled != nil {
		return entry.compiled, nil
	}
	if entry.compileErr != nil {
		return nil, entry.compileErr
	}

	compiled, err := e.compiler.Compile(entry.rule)
	if err != nil {
		entry.compileErr = err
		e.rulesFailed.Add(1)
		metrics.RuleLoadFailures.WithLabelValues("compile").Inc()
		e.log.Warnw("lazy compilation failed", "rule", entry.rule.ID, "error", err)
		return nil, err
	}
	entry.compiled = compiled
	e.rulesCompiled.Add(1)
	e.lazyCompiles.Add(1)
	metrics.LazyCompiles.Inc()
	return compiled, nil
}

// CompiledRules returns every rule that compiles, in load order. Rules that
// fail lazy compilation are dropped from the result.
func (e *Engine) CompiledRules() []*CompiledRule {
	compiled := make([]*CompiledRule, 0, len(e.entries))
	for _, entry := range e.entries {
		cr, err := e.ensureCompiled(entry)
		if err != nil {
			continue
		}
		compiled = append(compiled, cr)
	}
	return compiled
}

// CompileForLogSource compiles and returns the rules whose log source is
// compatible with the descriptor, most severe first. Rules that fail
// compilation are skipped with a log line.
func (e *Engine) CompileForLogSource(desc sigma.LogSource) []*CompiledRule {
	var out []*CompiledRule
	for _, entry := range e.entries {
		if !entry.rule.Logsource.Matches(desc) {
			continue
		}
		cr, err := e.ensureCompiled(entry)
		if err != nil {
			continue
		}
		out = append(out, cr)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return sigma.LevelRank(out[i].Rule.Level) > sigma.LevelRank(out[j].Rule.Level)
	})
	return out
}

// MatchEvent evaluates every routable rule against one event and returns
// the matches in rule load order. Matching never fails; rules that cannot
// apply simply produce nothing.
func (e *Engine) MatchEvent(event *core.Event) []*MatchEvidence {
	if event == nil {
		return nil
	}
	start := time.Now()
	e.eventsEvaluated.Add(1)
	metrics.EventsEvaluated.Inc()

	var matches []*MatchEvidence
	for _, entry := range e.entries {
		if !routesTo(entry.rule, event) {
			continue
		}
		cr, err := e.ensureCompiled(entry)
		if err != nil {
			continue
		}
		if evidence := e.matcher.Match(cr, event); evidence != nil {
			matches = append(matches, evidence)
			e.matchesProduced.Add(1)
			metrics.Matches.WithLabelValues(entry.rule.Level).Inc()
			e.log.Debugw("rule matched",
				"rule", entry.rule.ID,
				"title", entry.rule.Title,
				"event", event.EventID,
			)
		}
	}

	elapsed := time.Since(start)
	e.evalNanos.Add(elapsed.Nanoseconds())
	metrics.MatchDuration.Observe(elapsed.Seconds())
	return matches
}

// MatchAll prepares a cooperative batch run over every compiled rule and
// the given events. The caller drives it with Next or Run.
func (e *Engine) MatchAll(events []*core.Event, opts BatchOptions) *BatchRun {
	rules := e.CompiledRules()
	e.eventsEvaluated.Add(int64(len(events)))
	return NewBatchRun(e.matcher, rules, events, opts)
}

// RecordBatch folds a finished batch run's counters into the engine stats
// and metrics.
func (e *Engine) RecordBatch(run *BatchRun) {
	stats := run.Stats()
	e.matchesProduced.Add(int64(stats.Matches))
	e.evalNanos.Add(stats.Elapsed.Nanoseconds())
	metrics.EventsEvaluated.Add(float64(stats.Events))
	metrics.PrefilterSkips.Add(float64(stats.PrefilterSkips))
	for _, evidence := range run.Results() {
		metrics.Matches.WithLabelValues(evidence.Rule.Level).Inc()
	}
}

// routesTo reports whether a rule applies to an event. A rule with a log
// source binds on the event's route key against the rule's service or
// category; a rule without one applies everywhere. Both the single-event
// and the batch path route with this predicate.
func routesTo(rule *sigma.Rule, event *core.Event) bool {
	ls := rule.Logsource
	if ls.Empty() {
		return true
	}
	key := event.RouteKey()
	if key == "" {
		// Events without routing metadata see every rule rather than none.
		return true
	}
	if ls.Service != "" && strings.EqualFold(ls.Service, key) {
		return true
	}
	if ls.Category != "" && strings.EqualFold(ls.Category, key) {
		return true
	}
	return ls.Service == "" && ls.Category == ""
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		RulesLoaded:     e.rulesLoaded.Load(),
		RulesFailed:     e.rulesFailed.Load(),
		RulesCompiled:   e.rulesCompiled.Load(),
		LazyCompiles:    e.lazyCompiles.Load(),
		EventsEvaluated: e.eventsEvaluated.Load(),
		MatchesProduced: e.matchesProduced.Load(),
		EvalTime:        time.Duration(e.evalNanos.Load()),
	}
	if stats.EventsEvaluated > 0 {
		stats.AvgEvalTime = stats.EvalTime / time.Duration(stats.EventsEvaluated)
	}
	return stats
}
