// Package pricing maps model names to their per-token credit price.
//
// A Table is immutable once built, so lookups need no locking and are safe
// for concurrent use by every generation in the process.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownModel is returned when a model has no registered price.
var ErrUnknownModel = errors.New("pricing: unknown model")

// Pricing is the public view of a model's price.
type Pricing struct {
	CreditsPerToken float64 `json:"creditsPerToken"`
}

// Rate pairs a model with its price. CreditsPerToken must be positive.
type Rate struct {
	Model           string
	CreditsPerToken decimal.Decimal
}

// Table is a read-only model -> price lookup.
type Table struct {
	rates map[string]decimal.Decimal
	names []string
}

// New builds a Table from rates. Model names are matched case-insensitively.
func New(rates []Rate) (*Table, error) {
	t := &Table{rates: make(map[string]decimal.Decimal, len(rates))}
	for _, r := range rates {
		name := normalize(r.Model)
		if name == "" {
			return nil, errors.New("pricing: model name required")
		}
		if !r.CreditsPerToken.IsPositive() {
			return nil, fmt.Errorf("pricing: model %q: credits per token must be > 0, got %s", r.Model, r.CreditsPerToken)
		}
		if _, dup := t.rates[name]; dup {
			return nil, fmt.Errorf("pricing: model %q registered twice", r.Model)
		}
		t.rates[name] = r.CreditsPerToken
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t, nil
}

// Cost returns ceil(tokens * creditsPerToken) for the model.
func (t *Table) Cost(model string, tokens int64) (int64, error) {
	rate, err := t.rate(model)
	if err != nil {
		return 0, err
	}
	if tokens < 0 {
		return 0, fmt.Errorf("pricing: negative token count %d", tokens)
	}
	return decimal.NewFromInt(tokens).Mul(rate).Ceil().IntPart(), nil
}

// Pricing returns the price entry for the model.
func (t *Table) Pricing(model string) (Pricing, error) {
	rate, err := t.rate(model)
	if err != nil {
		return Pricing{}, err
	}
	return Pricing{CreditsPerToken: rate.InexactFloat64()}, nil
}

// Has reports whether the model is priced.
func (t *Table) Has(model string) bool {
	_, ok := t.rates[normalize(model)]
	return ok
}

// Models lists the priced model names in sorted order.
func (t *Table) Models() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

func (t *Table) rate(model string) (decimal.Decimal, error) {
	rate, ok := t.rates[normalize(model)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return rate, nil
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
