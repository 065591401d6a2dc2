package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
)

type staticRules struct {
	rules []domain.PricingRule
	err   error
}

func (s staticRules) ListPricingRules(_ context.Context, serviceID string) ([]domain.PricingRule, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.PricingRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.ServiceID == serviceID {
			out = append(out, rule)
		}
	}
	return out, nil
}

var (
	a4 = domain.ServiceType{ID: "svc-a4", Code: "A4_PRINT", Price: decimal.RequireFromString("1.00"), IsPriced: true}

	bwSingle = domain.PrintVariant{PaperSize: "A4", PrintMode: "laser", ColorMode: "bw", SideMode: "single"}
)

func TestValidateListsMissingPrintOptionsInOrder(t *testing.T) {
	r := NewResolver(decimal.Zero)

	err := r.Validate(a4, domain.PrintVariant{PrintMode: "laser", ColorMode: "bw"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Equal(t, "Missing required print options for A4_PRINT: paper_size, side_mode", err.Error())

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, map[string]string{"paper_size": "required", "side_mode": "required"}, appErr.Fields)
}

func TestValidateIgnoresNonPrintServices(t *testing.T) {
	r := NewResolver(decimal.Zero)
	lamination := domain.ServiceType{ID: "svc-lam", Code: "LAMINATION"}

	assert.NoError(t, r.Validate(lamination, domain.PrintVariant{}))
	assert.NoError(t, r.Validate(lamination, domain.PrintVariant{PaperSize: "A4"}))
	assert.NoError(t, r.Validate(a4, bwSingle))
}

func TestResolveFallbackChain(t *testing.T) {
	rules := []domain.PricingRule{
		{ID: "v1", ServiceID: "svc-a4", PricingType: domain.PricingTypeVariant, PrintVariant: bwSingle, UnitPrice: decimal.RequireFromString("0.50"), Active: true},
		{ID: "v2", ServiceID: "svc-a4", PricingType: domain.PricingTypeVariant, PrintVariant: domain.PrintVariant{PaperSize: "A4", PrintMode: "laser", ColorMode: "color", SideMode: "double"}, UnitPrice: decimal.RequireFromString("9.00"), Active: false},
		{ID: "f1", ServiceID: "svc-a4", PricingType: domain.PricingTypeFlat, UnitPrice: decimal.RequireFromString("0.75"), Active: true},
	}

	tests := []struct {
		name     string
		rules    staticRules
		service  domain.ServiceType
		variant  domain.PrintVariant
		fallback string
		want     string
	}{
		{
			name:    "exact variant rule",
			rules:   staticRules{rules: rules},
			service: a4,
			variant: domain.PrintVariant{PaperSize: "a4", PrintMode: "Laser", ColorMode: "BW", SideMode: "single"},
			want:    "0.50",
		},
		{
			name:    "inactive variant falls to flat rule",
			rules:   staticRules{rules: rules},
			service: a4,
			variant: domain.PrintVariant{PaperSize: "A4", PrintMode: "laser", ColorMode: "color", SideMode: "double"},
			want:    "0.75",
		},
		{
			name:    "no rules uses list price",
			rules:   staticRules{},
			service: a4,
			variant: bwSingle,
			want:    "1.00",
		},
		{
			name:    "lookup error degrades to list price",
			rules:   staticRules{err: errors.New("db down")},
			service: a4,
			variant: bwSingle,
			want:    "1.00",
		},
		{
			name:     "unpriced service uses fallback",
			rules:    staticRules{},
			service:  domain.ServiceType{ID: "svc-x", Code: "CUSTOM", IsPriced: true},
			fallback: "0.00",
			want:     "0.00",
		},
		{
			name:     "configured fallback price",
			rules:    staticRules{},
			service:  domain.ServiceType{ID: "svc-x", Code: "CUSTOM", IsPriced: true},
			fallback: "2.5",
			want:     "2.50",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fallback := decimal.Zero
			if tc.fallback != "" {
				fallback = decimal.RequireFromString(tc.fallback)
			}
			r := NewResolver(fallback)
			got := r.Resolve(context.Background(), tc.rules, tc.service, tc.variant)
			assert.Equal(t, tc.want, got.StringFixed(2))
		})
	}
}
