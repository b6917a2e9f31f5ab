package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// RegisterType adds a custom credit type and stores it so every process
// sharing the database picks it up. The registry change is undone when the
// write fails.
func (s *Service) RegisterType(ctx context.Context, id TypeID, spec TypeSpec) (TypeDefinition, error) {
	id = TypeID(strings.TrimSpace(string(id)))
	if err := s.registry.Register(id, spec); err != nil {
		return TypeDefinition{}, err
	}
	def, _ := s.registry.Get(id)

	now := s.clock()
	if err := s.repo.SaveType(ctx, s.repo.DB(), def, now); err != nil {
		if uerr := s.registry.Unregister(def.ID); uerr != nil {
			log.Error().Err(uerr).Str("credit_type", string(def.ID)).Msg("Failed to roll back credit type registration")
		}
		return TypeDefinition{}, err
	}

	s.bus.Publish(ctx, Event{Type: EventTypeRegistered, CreditType: def.ID, OccurredAt: now})
	return def, nil
}

// UnregisterType removes a custom credit type from the registry and the store.
// Core types cannot be removed.
func (s *Service) UnregisterType(ctx context.Context, id TypeID) error {
	def, ok := s.registry.Get(id)
	if !ok {
		return ErrTypeNotFound
	}
	if def.Core {
		return ErrCoreType
	}

	if err := s.repo.DeleteType(ctx, s.repo.DB(), id); err != nil {
		return err
	}
	if err := s.registry.Unregister(id); err != nil && !errors.Is(err, ErrTypeNotFound) {
		return err
	}

	s.bus.Publish(ctx, Event{Type: EventTypeUnregistered, CreditType: id, OccurredAt: s.clock()})
	return nil
}

// LoadStoredTypes registers every stored custom type the registry does not
// know yet and returns how many were added.
func (s *Service) LoadStoredTypes(ctx context.Context) (int, error) {
	defs, err := s.repo.ListTypes(ctx, s.repo.DB())
	if err != nil {
		return 0, err
	}

	added := 0
	for _, def := range defs {
		err := s.registry.Register(def.ID, def.spec())
		switch {
		case errors.Is(err, ErrTypeExists):
			continue
		case err != nil:
			return added, fmt.Errorf("credit type %q: %w", def.ID, err)
		}
		added++
	}
	return added, nil
}

// ApplyTypeEvent brings the registry in line with a type change made by
// another process. Other events are ignored, and so are changes this
// registry already reflects.
func (s *Service) ApplyTypeEvent(ctx context.Context, e Event) error {
	switch e.Type {
	case EventTypeRegistered:
		n, err := s.LoadStoredTypes(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Str("credit_type", string(e.CreditType)).Msg("Credit type registered elsewhere, loaded")
		}
	case EventTypeUnregistered:
		err := s.registry.Unregister(e.CreditType)
		switch {
		case errors.Is(err, ErrTypeNotFound):
		case err != nil:
			return err
		default:
			log.Info().Str("credit_type", string(e.CreditType)).Msg("Credit type unregistered elsewhere, dropped")
		}
	}
	return nil
}
