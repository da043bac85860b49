package orchestrator

import (
	"go.uber.org/zap"

	"github.com/fleetforge/conductor/internal/autoaccept"
	"github.com/fleetforge/conductor/internal/balancer"
	"github.com/fleetforge/conductor/internal/bus"
	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/common/logger"
	cfgpkg "github.com/fleetforge/conductor/internal/config"
	"github.com/fleetforge/conductor/internal/delegation"
	"github.com/fleetforge/conductor/internal/proactive"
	"github.com/fleetforge/conductor/internal/reviewer"
	"github.com/fleetforge/conductor/internal/sessionmgr"
	"github.com/fleetforge/conductor/internal/store"
	"github.com/fleetforge/conductor/internal/workspace"
)

// Build assembles a fully-wired Orchestrator from a Config, constructing
// every collaborator (session manager, workspace manager with both
// provisioners, embedded coordination bus, workload balancer, delegation
// engine, auto-accept gate, proactive engine, and decision ledger) the
// way a real deployment's cmd/ entrypoint would.
func Build(cfg cfgpkg.Config) (*Orchestrator, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "build logger", err)
	}

	sessions := sessionmgr.New(log)

	worktrees, err := workspace.NewGitWorktreeProvisioner(cfg.Workspace.WorktreeDir)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "build worktree provisioner", err)
	}
	var containers workspace.ContainerProvisioner
	if dockerProvisioner, dockerErr := workspace.NewDockerContainerProvisioner(log); dockerErr != nil {
		log.Warn("docker unavailable, container workspaces disabled", zap.Error(dockerErr))
	} else {
		containers = dockerProvisioner
	}
	protected := workspace.NewProtectedPatterns(cfg.Workspace.ProtectedPaths)
	wsManager := workspace.New(worktrees, containers, protected, log)

	b, err := bus.NewEmbedded(log)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "start embedded coordination bus", err)
	}

	bal := balancer.New()
	delegator := delegation.New(bal, log)
	gate := autoaccept.New(wsManager)

	proactiveEngine := proactive.New(log)
	registerDefaultProactivePatterns(proactiveEngine)
	qualityReviewer := reviewer.New(log)

	var ledger *store.Store
	if cfg.Ledger.DatabasePath != "" {
		ledger, err = store.Open(cfg.Ledger.DatabasePath)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfiguration, "open decision ledger", err)
		}
	}

	return New(log, cfg, sessions, wsManager, b, bal, delegator, gate, proactiveEngine, qualityReviewer, ledger), nil
}

// registerDefaultProactivePatterns seeds the Proactive Engine with the
// built-in "component created" follow-up pair spec.md §8 scenario 5
// describes: completing a task whose description mentions a newly
// created component should suggest writing tests for it and documenting
// it in the component library, without a human having to ask.
func registerDefaultProactivePatterns(e *proactive.Engine) {
	e.RegisterPattern(proactive.Pattern{
		ID:               "component-created-tests",
		Name:             "Write tests for new component",
		TriggerEventKind: "task_completed",
		RequiredPayload:  map[string]string{"component_created": "true"},
		Template:         "Write unit tests for the new component",
		Confidence:       0.8,
	})
	e.RegisterPattern(proactive.Pattern{
		ID:               "component-created-docs",
		Name:             "Document new component",
		TriggerEventKind: "task_completed",
		RequiredPayload:  map[string]string{"component_created": "true"},
		Template:         "Add the new component to component library docs",
		Confidence:       0.7,
	})
}
