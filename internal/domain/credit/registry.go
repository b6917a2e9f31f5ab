package credit

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TypeID identifies a kind of credit, e.g. "subscription".
type TypeID string

const (
	TypeSubscription TypeID = "subscription"
	TypePaid         TypeID = "paid"
	TypeFree         TypeID = "free"
	TypeCoupon       TypeID = "coupon"
	TypeGift         TypeID = "gift"
	TypeReward       TypeID = "reward"
	TypeDiscount     TypeID = "discount"
	TypeBonus        TypeID = "bonus"
	TypeTransfer     TypeID = "transfer"
)

// DurationUnit is the unit of a credit type's expiration duration.
type DurationUnit string

const (
	UnitHours  DurationUnit = "hours"
	UnitDays   DurationUnit = "days"
	UnitWeeks  DurationUnit = "weeks"
	UnitMonths DurationUnit = "months"
	UnitYears  DurationUnit = "years"
)

// ConsumptionRules bound the amounts a type accepts. A zero MaxAmount means
// unlimited and a zero Increment accepts any precision.
type ConsumptionRules struct {
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`
	Increment decimal.Decimal `json:"increment"`
}

// ExpirationSettings describe how long grants of a type live.
// GracePeriod and NotifyBefore are in days.
type ExpirationSettings struct {
	Duration     int          `json:"duration"`
	Unit         DurationUnit `json:"duration_unit"`
	GracePeriod  int          `json:"grace_period"`
	NotifyBefore int          `json:"notify_before"`
}

// TypeDefinition is the policy attached to a credit type.
type TypeDefinition struct {
	ID           TypeID             `json:"id"`
	Name         string             `json:"name"`
	Priority     int                `json:"priority"`
	Expirable    bool               `json:"expirable"`
	Transferable bool               `json:"transferable"`
	Stackable    bool               `json:"stackable"`
	AutoConsume  bool               `json:"auto_consume"`
	Rules        ConsumptionRules   `json:"consumption_rules"`
	Expiration   ExpirationSettings `json:"expiration_settings"`
	Core         bool               `json:"core"`
}

// TypeSpec is the input to Register. Nil fields take the registry defaults.
type TypeSpec struct {
	Name         string
	Priority     *int
	Expirable    *bool
	Transferable *bool
	Stackable    *bool
	AutoConsume  *bool
	Rules        ConsumptionRules
	Expiration   ExpirationSettings
}

// spec turns a stored definition back into Register input.
func (d TypeDefinition) spec() TypeSpec {
	return TypeSpec{
		Name:         d.Name,
		Priority:     &d.Priority,
		Expirable:    &d.Expirable,
		Transferable: &d.Transferable,
		Stackable:    &d.Stackable,
		AutoConsume:  &d.AutoConsume,
		Rules:        d.Rules,
		Expiration:   d.Expiration,
	}
}

const (
	defaultTypePriority = 100
	defaultDuration     = 30
)

// amountTolerance absorbs representation noise when checking increments.
var amountTolerance = decimal.New(1, -9)

// Registry holds the known credit types. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[TypeID]TypeDefinition
	order []TypeID
}

// NewRegistry returns a registry seeded with the core credit types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[TypeID]TypeDefinition)}
	for _, def := range coreTypes() {
		def.Core = true
		r.types[def.ID] = def
		r.order = append(r.order, def.ID)
	}
	return r
}

func coreTypes() []TypeDefinition {
	whole := ConsumptionRules{MinAmount: decimal.NewFromInt(1), Increment: decimal.NewFromInt(1)}
	cents := ConsumptionRules{MinAmount: decimal.New(1, -2), Increment: decimal.New(1, -2)}

	return []TypeDefinition{
		{
			ID: TypeSubscription, Name: "Subscription Credits", Priority: 10,
			Expirable: true, Stackable: true, AutoConsume: true, Rules: whole,
			Expiration: ExpirationSettings{Duration: 1, Unit: UnitMonths, GracePeriod: 3, NotifyBefore: 7},
		},
		{
			ID: TypePaid, Name: "Purchased Credits", Priority: 30,
			Transferable: true, Stackable: true, AutoConsume: true, Rules: cents,
		},
		{
			ID: TypeFree, Name: "Free Credits", Priority: 20,
			Expirable: true, Stackable: true, AutoConsume: true, Rules: whole,
			Expiration: ExpirationSettings{Duration: 30, Unit: UnitDays, NotifyBefore: 3},
		},
		{
			ID: TypeCoupon, Name: "Coupon Credits", Priority: 15,
			Expirable: true, Stackable: true, Rules: cents,
			Expiration: ExpirationSettings{Duration: 90, Unit: UnitDays, NotifyBefore: 7},
		},
		{
			ID: TypeGift, Name: "Gift Credits", Priority: 40,
			Expirable: true, Transferable: true, Stackable: true, Rules: cents,
			Expiration: ExpirationSettings{Duration: 1, Unit: UnitYears, NotifyBefore: 14},
		},
		{
			ID: TypeReward, Name: "Reward Credits", Priority: 25,
			Expirable: true, Stackable: true, AutoConsume: true, Rules: whole,
			Expiration: ExpirationSettings{Duration: 6, Unit: UnitMonths, NotifyBefore: 7},
		},
		{
			ID: TypeDiscount, Name: "Discount Credits", Priority: 35,
			Expirable: true, Stackable: true, Rules: cents,
			Expiration: ExpirationSettings{Duration: 30, Unit: UnitDays, NotifyBefore: 3},
		},
		{
			ID: TypeBonus, Name: "Bonus Credits", Priority: 5,
			Expirable: true, Stackable: true, AutoConsume: true, Rules: whole,
			Expiration: ExpirationSettings{Duration: 2, Unit: UnitWeeks, NotifyBefore: 2},
		},
		{
			ID: TypeTransfer, Name: "Transferred Credits", Priority: 50,
			Transferable: true, Stackable: true, AutoConsume: true, Rules: cents,
		},
	}
}

// Register adds a custom credit type.
func (r *Registry) Register(id TypeID, spec TypeSpec) error {
	id = TypeID(strings.TrimSpace(string(id)))
	if id == "" {
		return ErrInvalidType
	}
	if strings.TrimSpace(spec.Name) == "" {
		return ErrTypeNameRequired
	}

	def := TypeDefinition{
		ID:           id,
		Name:         strings.TrimSpace(spec.Name),
		Priority:     defaultTypePriority,
		Expirable:    true,
		Transferable: false,
		Stackable:    true,
		AutoConsume:  false,
		Rules:        spec.Rules,
		Expiration:   spec.Expiration,
	}
	if spec.Priority != nil {
		def.Priority = *spec.Priority
	}
	if spec.Expirable != nil {
		def.Expirable = *spec.Expirable
	}
	if spec.Transferable != nil {
		def.Transferable = *spec.Transferable
	}
	if spec.Stackable != nil {
		def.Stackable = *spec.Stackable
	}
	if spec.AutoConsume != nil {
		def.AutoConsume = *spec.AutoConsume
	}
	if def.Expirable && def.Expiration.Unit == "" {
		def.Expiration.Unit = UnitDays
		if def.Expiration.Duration == 0 {
			def.Expiration.Duration = defaultDuration
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[id]; ok {
		return ErrTypeExists
	}
	r.types[id] = def
	r.order = append(r.order, id)
	return nil
}

// Unregister removes a custom credit type.
func (r *Registry) Unregister(id TypeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.types[id]
	if !ok {
		return ErrTypeNotFound
	}
	if def.Core {
		return ErrCoreType
	}
	delete(r.types, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id TypeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[id]
	return ok
}

// Get returns the definition of id.
func (r *Registry) Get(id TypeID) (TypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[id]
	return def, ok
}

// DisplayName returns the type's name, or the raw id for unknown types.
func (r *Registry) DisplayName(id TypeID) string {
	if def, ok := r.Get(id); ok {
		return def.Name
	}
	return string(id)
}

// Ordered returns all types sorted by ascending priority. Ties keep
// registration order.
func (r *Registry) Ordered() []TypeDefinition {
	r.mu.RLock()
	out := make([]TypeDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.types[id])
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// ValidateAmount checks amount against the type's consumption rules.
func (r *Registry) ValidateAmount(id TypeID, amount decimal.Decimal) bool {
	def, ok := r.Get(id)
	if !ok {
		return false
	}
	if !amount.IsPositive() {
		return false
	}

	rules := def.Rules
	if rules.MinAmount.IsPositive() && amount.LessThan(rules.MinAmount) {
		return false
	}
	if rules.MaxAmount.IsPositive() && amount.GreaterThan(rules.MaxAmount) {
		return false
	}
	if rules.Increment.IsPositive() {
		rem := amount.Mod(rules.Increment).Abs()
		if rem.GreaterThan(amountTolerance) && rules.Increment.Sub(rem).GreaterThan(amountTolerance) {
			return false
		}
	}
	return true
}

// CalculateExpiration returns start plus the type's configured duration, or
// nil when grants of the type never expire.
func (r *Registry) CalculateExpiration(id TypeID, start time.Time) *time.Time {
	def, ok := r.Get(id)
	if !ok || !def.Expirable || def.Expiration.Duration <= 0 {
		return nil
	}

	n := def.Expiration.Duration
	var exp time.Time
	switch def.Expiration.Unit {
	case UnitHours:
		exp = start.Add(time.Duration(n) * time.Hour)
	case UnitWeeks:
		exp = start.AddDate(0, 0, 7*n)
	case UnitMonths:
		exp = start.AddDate(0, n, 0)
	case UnitYears:
		exp = start.AddDate(n, 0, 0)
	default:
		exp = start.AddDate(0, 0, n)
	}
	return &exp
}

// Transferable reports whether grants of id may be moved between users.
// Unknown types are not transferable.
func (r *Registry) Transferable(id TypeID) bool {
	def, ok := r.Get(id)
	return ok && def.Transferable
}
