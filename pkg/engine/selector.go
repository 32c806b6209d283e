package engine

import "context"

// AutoSelector picks the registry's default resolution for each problem
// type. Types registered without a default are left unselected.
type AutoSelector struct{}

// Select implements Selector.
func (AutoSelector) Select(_ context.Context, p *Problem) (string, bool, error) {
	if p.AutoResolution == "" {
		return "", false, nil
	}
	return p.AutoResolution, true, nil
}

// MapSelector maps problem IDs to operator-chosen resolution names.
type MapSelector map[string]string

// Select implements Selector.
func (m MapSelector) Select(_ context.Context, p *Problem) (string, bool, error) {
	name, ok := m[p.ID]
	return name, ok && name != "", nil
}

// ChainSelector asks each selector in order and returns the first choice.
type ChainSelector []Selector

// Select implements Selector.
func (c ChainSelector) Select(ctx context.Context, p *Problem) (string, bool, error) {
	for _, s := range c {
		if s == nil {
			continue
		}
		name, ok, err := s.Select(ctx, p)
		if err != nil {
			return "", false, err
		}
		if ok {
			return name, true, nil
		}
	}
	return "", false, nil
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, p *Problem) (string, bool, error)

// Select calls f.
func (f SelectorFunc) Select(ctx context.Context, p *Problem) (string, bool, error) {
	return f(ctx, p)
}
