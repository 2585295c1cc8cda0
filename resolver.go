package schoolsync

import (
	"context"
	"errors"
	"fmt"
)

// Rule binds a matcher to a ConflictResolver. Rules are evaluated in
// insertion order with first-match-wins semantics.
type Rule struct {
	Name     string
	Matches  func(Conflict) bool
	Resolver ConflictResolver
}

// Hooks provides optional callbacks for observability around resolution.
// All hooks are optional; nil functions are safe no-ops.
type Hooks struct {
	OnRuleMatched func(conflict Conflict, rule Rule)
	OnResolved    func(conflict Conflict, result ResolvedConflict)
	OnFallback    func(conflict Conflict)
	OnError       func(conflict Conflict, err error)
}

// resolverOptions holds construction-time options.
type resolverOptions struct {
	rules    []Rule
	fallback ConflictResolver
	hooks    Hooks
}

// ResolverOption configures a RuleResolver at construction.
type ResolverOption interface{ apply(*resolverOptions) }

type resolverOptionFn func(*resolverOptions)

func (f resolverOptionFn) apply(o *resolverOptions) { f(o) }

// WithFallback sets the fallback ConflictResolver used when no rule matches.
func WithFallback(r ConflictResolver) ResolverOption {
	return resolverOptionFn(func(o *resolverOptions) { o.fallback = r })
}

// WithRule appends a rule with a custom matcher and resolver in insertion
// order.
func WithRule(name string, matcher func(Conflict) bool, resolver ConflictResolver) ResolverOption {
	return resolverOptionFn(func(o *resolverOptions) {
		o.rules = append(o.rules, Rule{Name: name, Matches: matcher, Resolver: resolver})
	})
}

// WithStrategyRule is a convenience helper matching by the operation's
// conflict strategy.
func WithStrategyRule(name string, strategy Strategy, resolver ConflictResolver) ResolverOption {
	return WithRule(name, StrategyIs(strategy), resolver)
}

// WithCollectionRule is a convenience helper matching by collection name.
func WithCollectionRule(name string, collection string, resolver ConflictResolver) ResolverOption {
	return WithRule(name, CollectionIs(collection), resolver)
}

// WithHooks sets optional observability hooks. Zero-value safe.
func WithHooks(h Hooks) ResolverOption {
	return resolverOptionFn(func(o *resolverOptions) { o.hooks = h })
}

// StrategyIs matches conflicts whose operation carries the given strategy.
func StrategyIs(s Strategy) func(Conflict) bool {
	return func(c Conflict) bool { return c.Operation != nil && c.Operation.Strategy == s }
}

// CollectionIs matches conflicts on the given collection.
func CollectionIs(collection string) func(Conflict) bool {
	return func(c Conflict) bool { return c.Operation != nil && c.Operation.Collection == collection }
}

// RuleResolver dispatches conflicts to strategies based on an ordered rule
// set. If no rule matches, it uses the fallback resolver.
type RuleResolver struct {
	rules    []Rule
	fallback ConflictResolver
	hooks    Hooks
}

var _ ConflictResolver = (*RuleResolver)(nil)

// NewRuleResolver constructs a RuleResolver with validation.
// Invariants:
//   - At least one rule OR a non-nil fallback must be provided
//   - No rule may have a nil matcher or resolver
func NewRuleResolver(opts ...ResolverOption) (*RuleResolver, error) {
	cfg := &resolverOptions{}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	if len(cfg.rules) == 0 && cfg.fallback == nil {
		return nil, errors.New("rule resolver requires at least one rule or a non-nil fallback")
	}
	for i, r := range cfg.rules {
		if r.Matches == nil {
			return nil, fmt.Errorf("rule has nil matcher at index %d", i)
		}
		if r.Resolver == nil {
			return nil, fmt.Errorf("rule has nil resolver at index %d", i)
		}
	}

	return &RuleResolver{
		rules:    cfg.rules,
		fallback: cfg.fallback,
		hooks:    cfg.hooks,
	}, nil
}

// Resolve implements ConflictResolver using first-match-wins over the
// ordered rules, else delegates to the fallback.
func (d *RuleResolver) Resolve(ctx context.Context, c Conflict) (ResolvedConflict, error) {
	for _, r := range d.rules {
		if r.Matches(c) {
			if d.hooks.OnRuleMatched != nil {
				d.hooks.OnRuleMatched(c, r)
			}
			res, err := r.Resolver.Resolve(ctx, c)
			if err != nil {
				if d.hooks.OnError != nil {
					d.hooks.OnError(c, err)
				}
				return ResolvedConflict{}, err
			}
			if d.hooks.OnResolved != nil {
				d.hooks.OnResolved(c, res)
			}
			return res, nil
		}
	}

	if d.fallback == nil {
		err := errors.New("no rule matched and no fallback configured")
		if d.hooks.OnError != nil {
			d.hooks.OnError(c, err)
		}
		return ResolvedConflict{}, err
	}

	if d.hooks.OnFallback != nil {
		d.hooks.OnFallback(c)
	}
	res, err := d.fallback.Resolve(ctx, c)
	if err != nil {
		if d.hooks.OnError != nil {
			d.hooks.OnError(c, err)
		}
		return ResolvedConflict{}, err
	}
	if d.hooks.OnResolved != nil {
		d.hooks.OnResolved(c, res)
	}
	return res, nil
}

// DefaultResolver builds the standard strategy dispatcher: one rule per
// conflict strategy, falling back to manual review for anything
// unclassified.
func DefaultResolver(policies *PolicyTable) *RuleResolver {
	r, err := NewRuleResolver(
		WithStrategyRule("client-wins", StrategyClientWins, &ClientWinsResolver{}),
		WithStrategyRule("server-wins", StrategyServerWins, &ServerWinsResolver{}),
		WithStrategyRule("merge", StrategyMerge, &MergeResolver{Policies: policies}),
		WithStrategyRule("manual", StrategyManual, &ManualReviewResolver{}),
		WithFallback(&ManualReviewResolver{Reason: "operation carries no known strategy"}),
	)
	if err != nil {
		// Static rule set; a failure here is a programming error.
		panic(err)
	}
	return r
}
