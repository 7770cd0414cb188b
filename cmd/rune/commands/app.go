package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"google.golang.org/genai"

	"github.com/runehq/rune/pkg/chat"
	"github.com/runehq/rune/pkg/config"
	"github.com/runehq/rune/pkg/controller"
	"github.com/runehq/rune/pkg/dialog"
	"github.com/runehq/rune/pkg/kv"
	"github.com/runehq/rune/pkg/memory"
	"github.com/runehq/rune/pkg/prompt"
	"github.com/runehq/rune/pkg/provider"
	"github.com/runehq/rune/pkg/task"
)

// app wires the stores, orchestrator and background workers for one process.
type app struct {
	store kv.Store

	Memory       *memory.Store
	Tasks        *task.Store
	Dialogs      *dialog.Registry
	Orchestrator *chat.Orchestrator
	Reconciler   *controller.Dispatcher

	schedulerInterval time.Duration
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	var store kv.Store
	if cfg.DataDir != "" {
		b, err := kv.OpenBadger(filepath.Join(cfg.DataDir, "db"))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		store = b
	} else {
		store = kv.NewMemory()
	}

	prov, err := newProvider(ctx, cfg.Provider)
	if err != nil {
		store.Close()
		return nil, err
	}

	mem := memory.NewStore(store)
	tasks := task.NewStore(store)
	dialogs := dialog.NewRegistry(store, cfg.MaxTurns)

	reconciler := controller.NewDispatcher(&controller.Controller{
		Provider: prov,
		Memory:   mem,
		Tasks:    tasks,
	})

	a := &app{
		store:      store,
		Memory:     mem,
		Tasks:      tasks,
		Dialogs:    dialogs,
		Reconciler: reconciler,
		Orchestrator: &chat.Orchestrator{
			Provider:   prov,
			Assembler:  &prompt.Assembler{Memory: mem, Tasks: tasks, TTS: cfg.TTS},
			Dialogs:    dialogs,
			Memory:     mem,
			Tasks:      tasks,
			Reconciler: reconciler,
			Summarizer: &controller.Summarizer{Provider: prov},

			EpisodeThreshold: cfg.EpisodeThreshold,
			EpisodeChunk:     cfg.EpisodeChunk,
			ControllerEveryN: cfg.ControllerEveryN,
			ControllerLastN:  cfg.ControllerLastN,
		},
	}

	if cfg.SchedulerInterval != "" {
		d, err := time.ParseDuration(cfg.SchedulerInterval)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("scheduler_interval: %w", err)
		}
		a.schedulerInterval = d
	}
	return a, nil
}

// scheduler builds the task scheduler bound to the given outbound messenger.
func (a *app) scheduler(m task.Messenger) *task.Scheduler {
	return &task.Scheduler{
		Store:     a.Tasks,
		Messenger: m,
		Interval:  a.schedulerInterval,
	}
}

// Close drains background reconciliations, then closes the store.
func (a *app) Close() error {
	a.Reconciler.Wait()
	return a.store.Close()
}

func newProvider(ctx context.Context, pc config.ProviderConfig) (provider.Provider, error) {
	switch pc.Kind {
	case config.KindOpenAI:
		model := pc.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return provider.NewOpenAI(pc.APIKey, pc.BaseURL, model), nil
	case config.KindGemini:
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: pc.APIKey})
		if err != nil {
			return nil, fmt.Errorf("genai client: %w", err)
		}
		model := pc.Model
		if model == "" {
			model = "gemini-2.0-flash"
		}
		return &provider.Gemini{Client: client, Model: model}, nil
	default:
		return &provider.Offline{}, nil
	}
}
