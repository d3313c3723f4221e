package runtime

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/ordering"
	"github.com/drblury/courier/internal/runtime/outbox"
)

// Names of the built-in startup actions.
const (
	OutboxSchemaStartupAction = "outbox_schema"
	LogTopologyStartupAction  = "log_topology"
)

// StartupAction runs once before the service starts consuming. Actions run
// to completion in the order resolved from their directives; the first error
// aborts Start.
type StartupAction struct {
	Name       string
	Run        func(ctx context.Context, s *Service) error
	Directives []ordering.Directive
}

// DefaultStartupActions prepares the outbox schema when the store needs one
// and logs the endpoint topology.
func DefaultStartupActions() []StartupAction {
	return []StartupAction{
		{
			Name: OutboxSchemaStartupAction,
			Run: func(ctx context.Context, s *Service) error {
				m, ok := s.store.(outbox.Migrator)
				if !ok {
					return nil
				}
				return m.Migrate(ctx)
			},
		},
		{
			Name:       LogTopologyStartupAction,
			Directives: []ordering.Directive{ordering.After(OutboxSchemaStartupAction)},
			Run: func(_ context.Context, s *Service) error {
				types := s.handledTypes()
				names := make([]string, len(types))
				for i, t := range types {
					names[i] = t.Name + " (" + t.Kind.String() + ")"
				}
				s.Logger.Info("Endpoint ready to consume", loggingpkg.LogFields{
					"endpoint":  s.identity.String(),
					"transport": s.Conf.PubSubSystem,
					"handles":   names,
				})
				return nil
			},
		},
	}
}

// RegisterStartupAction adds action. It must be called before Start.
func (s *Service) RegisterStartupAction(action StartupAction) error {
	if action.Run == nil {
		return errspkg.NewConfigurationError("startup action %q has no Run function", action.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrTopologyLocked
	}
	s.startupActions = append(s.startupActions, action)
	return nil
}

func (s *Service) runStartupActions(ctx context.Context) error {
	s.mu.RLock()
	actions := append([]StartupAction(nil), s.startupActions...)
	s.mu.RUnlock()

	nodes := make([]ordering.Node, len(actions))
	byName := make(map[string]StartupAction, len(actions))
	for i, a := range actions {
		nodes[i] = ordering.Node{Name: a.Name, Directives: a.Directives}
		byName[a.Name] = a
	}
	order, err := ordering.Sort(nodes)
	if err != nil {
		return fmt.Errorf("order startup actions: %w", err)
	}
	for _, name := range order {
		if err := byName[name].Run(ctx, s); err != nil {
			return fmt.Errorf("startup action %q: %w", name, err)
		}
		s.Logger.Debug("Startup action completed", loggingpkg.LogFields{"action": name})
	}
	return nil
}
