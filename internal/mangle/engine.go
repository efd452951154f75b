// Package mangle is the event journal: browser events are stored as Mangle facts,
// kept in a bounded temporal buffer, and evaluated against a small rule set that
// derives diagnostic hints such as stale element indexes.
package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"pagepilot-mcp-server/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

//go:embed schema.mg
var builtinSchema string

// ErrNotReady is returned by rule queries when no schema is loaded.
var ErrNotReady = errors.New("journal not ready")

// Fact is one journal entry.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// defaultLowValuePredicates lists predicates that may be dropped when the buffer
// fills up. Failures, errors and navigation are always kept.
func defaultLowValuePredicates() map[string]bool {
	return map[string]bool{
		"state_captured": true,
		"tab_created":    true,
	}
}

// Engine wraps the Mangle evaluator with a bounded fact buffer.
type Engine struct {
	cfg    config.MangleConfig
	logger *zap.Logger
	mu     sync.RWMutex

	sources      []string
	schemaLoaded bool
	programInfo  *analysis.ProgramInfo
	store        factstore.FactStore

	facts []Fact
	index map[string][]int

	// Adaptive sampling of low-value predicates under buffer pressure.
	samplingRate       float64
	predicateCounts    map[string]int
	lowValuePredicates map[string]bool

	subscriptions map[string][]chan WatchEvent
	subMu         sync.RWMutex
}

// WatchEvent carries the current facts of a watched derived predicate.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEngine builds a journal. With Enable set it loads the built-in rules (unless
// DisableBuiltin) and then the optional SchemaPath file on top.
func NewEngine(cfg config.MangleConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:                cfg,
		logger:             logger.Named("journal"),
		facts:              make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:              make(map[string][]int),
		store:              factstore.NewSimpleInMemoryStore(),
		samplingRate:       1.0,
		predicateCounts:    make(map[string]int),
		lowValuePredicates: defaultLowValuePredicates(),
		subscriptions:      make(map[string][]chan WatchEvent),
	}
	if !cfg.Enable {
		return e, nil
	}

	if !cfg.DisableBuiltin {
		if err := e.addSource(builtinSchema); err != nil {
			return nil, fmt.Errorf("built-in schema: %w", err)
		}
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadSchema adds the declarations and rules of a schema file.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if err := e.addSource(string(data)); err != nil {
		return fmt.Errorf("schema %s: %w", path, err)
	}
	e.logger.Info("loaded schema", zap.String("path", path))
	return nil
}

// AddRule adds rule source at runtime. A no-op when the journal is disabled.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}
	return e.addSource(ruleSource)
}

// addSource re-analyzes every loaded source together with src. The program is
// only replaced when the combined source analyzes cleanly.
func (e *Engine) addSource(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	combined := strings.Join(append(append([]string(nil), e.sources...), src), "\n")
	unit, err := parse.Unit(bytes.NewReader([]byte(combined)))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	e.sources = append(e.sources, src)
	e.programInfo = info
	e.schemaLoaded = true
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return fmt.Errorf("eval program: %w", err)
	}
	return nil
}

// AddFacts buffers facts and re-evaluates the rules. Low-value facts are sampled
// when the buffer is under pressure.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()

	filtered := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if e.shouldAcceptFact(f) {
			filtered = append(filtered, f)
			e.predicateCounts[f.Predicate]++
		}
	}

	baseIdx := len(e.facts)
	e.facts = append(e.facts, filtered...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		trimCount := len(e.facts) - e.cfg.FactBufferLimit
		e.facts = e.facts[trimCount:]
		e.rebuildIndex()
	} else {
		for i, f := range filtered {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
		}
	}

	for _, f := range filtered {
		e.store.Add(e.factToAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			e.logger.Warn("rule evaluation failed", zap.Error(err))
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
		e.checkAndNotifyWatchers()
	}
	return nil
}

// checkAndNotifyWatchers sends the current facts of every watched predicate.
// Caller holds e.mu.
func (e *Engine) checkAndNotifyWatchers() {
	for _, predicate := range e.WatchPredicates() {
		atom, ok := e.wildcard(predicate)
		if !ok {
			continue
		}
		var derived []Fact
		_ = e.store.GetFacts(atom, func(a ast.Atom) error {
			derived = append(derived, e.atomToFact(a))
			return nil
		})
		if len(derived) > 0 {
			e.notifySubscribers(predicate, derived)
		}
	}
}

// wildcard builds predicate(V0, ..., Vn) from the declared arity. Caller holds e.mu.
func (e *Engine) wildcard(predicate string) (ast.Atom, bool) {
	if e.programInfo == nil {
		return ast.Atom{}, false
	}
	for sym := range e.programInfo.Decls {
		if sym.Symbol != predicate {
			continue
		}
		args := make([]ast.BaseTerm, sym.Arity)
		for i := range args {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		return ast.Atom{Predicate: sym, Args: args}, true
	}
	return ast.Atom{}, false
}

func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}

	fillRatio := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)
	switch {
	case fillRatio < 0.5:
		e.samplingRate = 1.0
	case fillRatio < 0.7:
		e.samplingRate = 0.8
	case fillRatio < 0.85:
		e.samplingRate = 0.5
	case fillRatio < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) shouldAcceptFact(f Fact) bool {
	if !e.lowValuePredicates[f.Predicate] {
		return true
	}
	if e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current acceptance rate for low-value predicates.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Subscribe registers ch for updates of a derived predicate. Sends never block;
// a full channel misses the update.
func (e *Engine) Subscribe(predicate string, ch chan WatchEvent) string {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.subscriptions[predicate] = append(e.subscriptions[predicate], ch)
	return fmt.Sprintf("%s:%p", predicate, ch)
}

// Unsubscribe removes ch from predicate's subscribers.
func (e *Engine) Unsubscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	channels := e.subscriptions[predicate]
	for i, c := range channels {
		if c == ch {
			e.subscriptions[predicate] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
}

func (e *Engine) notifySubscribers(predicate string, facts []Fact) {
	e.subMu.RLock()
	channels := e.subscriptions[predicate]
	e.subMu.RUnlock()

	if len(channels) == 0 || len(facts) == 0 {
		return
	}
	event := WatchEvent{Predicate: predicate, Facts: facts, Timestamp: time.Now()}
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
}

// WatchPredicates lists predicates with at least one subscriber.
func (e *Engine) WatchPredicates() []string {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	predicates := make([]string, 0, len(e.subscriptions))
	for p, chs := range e.subscriptions {
		if len(chs) > 0 {
			predicates = append(predicates, p)
		}
	}
	return predicates
}

// Query runs a single atom query such as `stale_index_hint(Action, Index).` and
// returns one binding per matching fact. When the store has no match, the
// temporal buffer is searched directly.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, ErrNotReady
	}

	unit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, errors.New("no query found")
	}
	queryAtom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				result[v.Symbol] = e.convertConstant(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	if len(results) == 0 {
		results = append(results, e.queryBufferDirect(queryAtom.Predicate.Symbol, queryAtom.Args)...)
	}
	return results, nil
}

// queryBufferDirect matches buffered facts against the query arguments. Caller
// holds e.mu.
func (e *Engine) queryBufferDirect(predicate string, queryArgs []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if len(f.Args) < len(queryArgs) {
			continue
		}

		result := make(QueryResult)
		matches := true
		for i, qArg := range queryArgs {
			switch arg := qArg.(type) {
			case ast.Variable:
				if arg.Symbol != "_" {
					result[arg.Symbol] = f.Args[i]
				}
			case ast.Constant:
				if fmt.Sprintf("%v", f.Args[i]) != fmt.Sprintf("%v", e.convertConstant(arg)) {
					matches = false
				}
			}
			if !matches {
				break
			}
		}
		if matches {
			results = append(results, result)
		}
	}
	return results
}

// Evaluate runs the rules and returns every fact of predicate, derived or stored.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, ErrNotReady
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}
	atom, ok := e.wildcard(predicate)
	if !ok {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}

	facts := make([]Fact, 0)
	err := e.store.GetFacts(atom, func(a ast.Atom) error {
		facts = append(facts, e.atomToFact(a))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return facts, nil
}

// QueryTemporal returns buffered facts of predicate strictly between after and
// before; a zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns buffered facts of one predicate, oldest first.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	return e.QueryTemporal(predicate, time.Time{}, time.Time{})
}

// Recent returns the newest limit buffered facts, oldest first. limit <= 0
// returns everything.
func (e *Engine) Recent(limit int) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	start := 0
	if limit > 0 && len(e.facts) > limit {
		start = len(e.facts) - limit
	}
	out := make([]Fact, len(e.facts)-start)
	copy(out, e.facts[start:])
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether rule queries can run.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func (e *Engine) factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

// atomToFact converts a stored atom. Store atoms carry no time, so the fact is
// stamped with the evaluation time.
func (e *Engine) atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = e.convertConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func (e *Engine) convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case nil:
		return nil
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			if val, err := term.StringValue(); err == nil {
				return val
			}
		case ast.NumberType:
			if val, err := term.NumberValue(); err == nil {
				return val
			}
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
