package credit

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// typeFile is the on-disk layout of custom credit type definitions:
//
//	[[type]]
//	id = "referral"
//	name = "Referral Credits"
//	priority = 45
//	transferable = true
//	min_amount = 1
//	increment = 1
//	duration = 60
//	duration_unit = "days"
type typeFile struct {
	Types []typeFileEntry `toml:"type"`
}

type typeFileEntry struct {
	ID           string  `toml:"id"`
	Name         string  `toml:"name"`
	Priority     *int    `toml:"priority"`
	Expirable    *bool   `toml:"expirable"`
	Transferable *bool   `toml:"transferable"`
	Stackable    *bool   `toml:"stackable"`
	AutoConsume  *bool   `toml:"auto_consume"`
	MinAmount    float64 `toml:"min_amount"`
	MaxAmount    float64 `toml:"max_amount"`
	Increment    float64 `toml:"increment"`
	Duration     int     `toml:"duration"`
	DurationUnit string  `toml:"duration_unit"`
	GracePeriod  int     `toml:"grace_period"`
	NotifyBefore int     `toml:"notify_before"`
}

func (e typeFileEntry) spec() (TypeSpec, error) {
	unit := DurationUnit(e.DurationUnit)
	switch unit {
	case "", UnitHours, UnitDays, UnitWeeks, UnitMonths, UnitYears:
	default:
		return TypeSpec{}, fmt.Errorf("credit type %q: unknown duration_unit %q", e.ID, e.DurationUnit)
	}

	return TypeSpec{
		Name:         e.Name,
		Priority:     e.Priority,
		Expirable:    e.Expirable,
		Transferable: e.Transferable,
		Stackable:    e.Stackable,
		AutoConsume:  e.AutoConsume,
		Rules: ConsumptionRules{
			MinAmount: decimal.NewFromFloat(e.MinAmount),
			MaxAmount: decimal.NewFromFloat(e.MaxAmount),
			Increment: decimal.NewFromFloat(e.Increment),
		},
		Expiration: ExpirationSettings{
			Duration:     e.Duration,
			Unit:         unit,
			GracePeriod:  e.GracePeriod,
			NotifyBefore: e.NotifyBefore,
		},
	}, nil
}

// LoadTypeFile registers the custom credit types defined in a TOML file.
// Types that are already registered are skipped with a warning. It returns the
// number of types added.
func (r *Registry) LoadTypeFile(path string) (int, error) {
	var file typeFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return 0, fmt.Errorf("decode credit types file: %w", err)
	}

	added := 0
	for _, entry := range file.Types {
		spec, err := entry.spec()
		if err != nil {
			return added, err
		}
		err = r.Register(TypeID(entry.ID), spec)
		switch {
		case errors.Is(err, ErrTypeExists):
			log.Warn().Str("credit_type", entry.ID).Msg("Credit type already registered, skipping")
			continue
		case err != nil:
			return added, fmt.Errorf("credit type %q: %w", entry.ID, err)
		}
		added++
	}

	log.Info().Str("file", path).Int("count", added).Msg("Custom credit types loaded")
	return added, nil
}
