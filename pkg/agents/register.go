package agents

import (
	"fmt"

	"github.com/rizome-dev/quill/pkg/fanout"
	"github.com/rizome-dev/quill/pkg/lifecycle"
	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/memory"
	"github.com/rizome-dev/quill/pkg/provider"
	"github.com/rizome-dev/quill/pkg/registry"
)

// Deps holds the shared dependencies of the built-in agents
type Deps struct {
	Completion        provider.Completion
	Coordinator       *fanout.Coordinator
	PrimaryMetadata   provider.Metadata
	SecondaryMetadata provider.Metadata
	Memory            *memory.Store
	Lifecycle         *lifecycle.Manager
	Logger            *logging.Logger
}

// RegisterAll wires the built-in agents into the registry and installs
// the enricher's completion hook
func RegisterAll(reg *registry.Registry, deps Deps) error {
	providerName := ""
	if deps.Completion != nil {
		providerName = deps.Completion.Name()
	}

	registrations := []registry.Registration{
		{Capability: NewSummarizer(deps.Completion), Provider: providerName},
		{Capability: NewQualityChecker(deps.Completion, deps.Coordinator), Provider: providerName},
		{Capability: NewResearcher(deps.Completion, deps.Coordinator), Provider: providerName},
	}

	enricher := NewMetadataEnricher(deps.PrimaryMetadata, deps.SecondaryMetadata, deps.Memory, deps.Logger)
	registrations = append(registrations, registry.Registration{Capability: enricher})

	for _, registration := range registrations {
		if err := reg.Register(registration); err != nil {
			return fmt.Errorf("failed to register %s: %w", registration.Capability.Kind(), err)
		}
	}

	if deps.Lifecycle != nil {
		deps.Lifecycle.RegisterCompletionHook(KindMetadataEnricher, enricher.CompletionHook())
	}

	return nil
}
