package admission

import (
	"math"
	"sort"
)

// tierPolicy is the compiled, read-only form of a TierConfig.
type tierPolicy struct {
	name            Tier
	windows         map[RequestClass][]Window
	caps            CostCaps
	mostRestrictive RequestClass
}

// classPolicy is the compiled form of a ClassConfig.
type classPolicy struct {
	name    RequestClass
	onError FailureMode
	pricing Pricing
}

// limitsTable resolves (tier, class) pairs. It is built once at startup and
// never mutated afterwards.
type limitsTable struct {
	tiers        map[Tier]*tierPolicy
	classes      map[RequestClass]*classPolicy
	unknownClass UnknownClassMode
}

func compileLimits(cfg Config) *limitsTable {
	anchor := cfg.WindowAnchor
	if anchor == "" {
		anchor = AnchorFirstRequest
	}
	mode := cfg.PeriodMode
	if mode == "" {
		mode = PeriodCalendar
	}
	unknown := cfg.UnknownClass
	if unknown == "" {
		unknown = UnknownClassDeny
	}

	t := &limitsTable{
		tiers:        make(map[Tier]*tierPolicy, len(cfg.Tiers)),
		classes:      make(map[RequestClass]*classPolicy, len(cfg.Classes)),
		unknownClass: unknown,
	}

	for _, cl := range cfg.Classes {
		onErr := cl.OnStoreError
		if onErr == "" {
			onErr = FailClosed
		}
		t.classes[cl.Name] = &classPolicy{
			name:    cl.Name,
			onError: onErr,
			pricing: Pricing{InputPerToken: cl.CostPerInputToken, OutputPerToken: cl.CostPerOutputToken},
		}
	}

	for _, tc := range cfg.Tiers {
		tp := &tierPolicy{
			name:    tc.Name,
			windows: make(map[RequestClass][]Window, len(tc.Limits)),
			caps:    tc.costCaps(mode),
		}
		for class, lim := range tc.Limits {
			tp.windows[class] = lim.windows(anchor)
		}
		tp.mostRestrictive = mostRestrictiveClass(cfg.Classes, tp.windows)
		t.tiers[tc.Name] = tp
	}

	return t
}

// mostRestrictiveClass picks the class whose tightest window admits the
// lowest request rate. Ties are broken by class name so the choice is stable.
func mostRestrictiveClass(classes []ClassConfig, windows map[RequestClass][]Window) RequestClass {
	names := make([]RequestClass, 0, len(classes))
	for _, cl := range classes {
		names = append(names, cl.Name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var best RequestClass
	bestRate := math.Inf(1)
	for i, name := range names {
		rate := math.Inf(1)
		for _, w := range windows[name] {
			r := float64(w.Limit) / w.Duration.Seconds()
			if r < rate {
				rate = r
			}
		}
		if i == 0 || rate < bestRate {
			best, bestRate = name, rate
		}
	}
	return best
}
