// Package pricing resolves the unit price snapshot of a job.
package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
)

var printCodes = map[string]struct{}{
	"A4_PRINT": {},
	"A3_PRINT": {},
}

// RuleLister is the part of the store the resolver reads.
type RuleLister interface {
	ListPricingRules(ctx context.Context, serviceID string) ([]domain.PricingRule, error)
}

type Resolver struct {
	fallback decimal.Decimal
}

func NewResolver(fallback decimal.Decimal) *Resolver {
	return &Resolver{fallback: domain.Quantize(fallback)}
}

func IsPrintService(service domain.ServiceType) bool {
	_, ok := printCodes[strings.ToUpper(service.Code)]
	return ok
}

// Validate requires all four variant fields for print services. Other
// services accept any variant.
func (r *Resolver) Validate(service domain.ServiceType, variant domain.PrintVariant) error {
	if !IsPrintService(service) {
		return nil
	}
	variant = normalize(variant)

	missing := make([]string, 0, 4)
	fields := make(map[string]string, 4)
	for _, field := range []struct {
		name  string
		value string
	}{
		{"paper_size", variant.PaperSize},
		{"print_mode", variant.PrintMode},
		{"color_mode", variant.ColorMode},
		{"side_mode", variant.SideMode},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
			fields[field.name] = "required"
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return apperr.ValidationFields(
		fmt.Sprintf("Missing required print options for %s: %s", service.Code, strings.Join(missing, ", ")),
		fields,
	)
}

// Resolve walks the fallback chain: exact active variant rule, any active
// flat rule, the service list price, then the configured fallback price.
// It never fails; lookup errors drop to the next level.
func (r *Resolver) Resolve(ctx context.Context, rules RuleLister, service domain.ServiceType, variant domain.PrintVariant) decimal.Decimal {
	list, err := rules.ListPricingRules(ctx, service.ID)
	if err != nil {
		log.Warn().Err(err).Str("service_id", service.ID).Msg("pricing: rule lookup failed, using list price")
		list = nil
	}

	variant = normalize(variant)
	if !variant.IsZero() {
		for _, rule := range list {
			if rule.Active && rule.PricingType == domain.PricingTypeVariant && normalize(rule.PrintVariant) == variant {
				return domain.Quantize(rule.UnitPrice)
			}
		}
	}
	for _, rule := range list {
		if rule.Active && rule.PricingType == domain.PricingTypeFlat {
			return domain.Quantize(rule.UnitPrice)
		}
	}
	if service.Price.IsPositive() {
		return domain.Quantize(service.Price)
	}

	if service.IsPriced {
		log.Warn().
			Str("service_id", service.ID).
			Str("service_code", service.Code).
			Str("fallback", r.fallback.StringFixed(2)).
			Msg("pricing: no price configured, using fallback")
	}
	return r.fallback
}

func normalize(v domain.PrintVariant) domain.PrintVariant {
	return domain.PrintVariant{
		PaperSize: strings.ToUpper(strings.TrimSpace(v.PaperSize)),
		PrintMode: strings.ToLower(strings.TrimSpace(v.PrintMode)),
		ColorMode: strings.ToLower(strings.TrimSpace(v.ColorMode)),
		SideMode:  strings.ToLower(strings.TrimSpace(v.SideMode)),
	}
}
