package cli

import (
	"context"
	"fmt"

	"github.com/BramAlkema/svg2pptx-batch/internal/config"
	"github.com/BramAlkema/svg2pptx-batch/internal/convert"
	"github.com/BramAlkema/svg2pptx-batch/internal/coordinator"
	"github.com/BramAlkema/svg2pptx-batch/internal/download"
	"github.com/BramAlkema/svg2pptx-batch/internal/events"
	"github.com/BramAlkema/svg2pptx-batch/internal/fileservice"
	"github.com/BramAlkema/svg2pptx-batch/internal/report"
	"github.com/BramAlkema/svg2pptx-batch/internal/runner"
	"github.com/BramAlkema/svg2pptx-batch/internal/service"
	"github.com/BramAlkema/svg2pptx-batch/internal/store"
)

// env bundles the wired components every command needs. Close releases
// the store and the event bus.
type env struct {
	cfg         *config.Config
	store       store.Store
	bus         *events.EventBus
	reporter    *report.Reporter
	fileService fileservice.FileService
	coordinator *coordinator.Coordinator
}

// openEnv loads configuration and wires the engine components.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	dl, err := download.New(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	if cfg.ConverterCommand == "" {
		st.Close()
		return nil, fmt.Errorf("no converter command configured (set converter_command or SVG2PPTX_CONVERTER)")
	}
	conv, err := convert.NewCommandConverter(cfg.ConverterCommand)
	if err != nil {
		st.Close()
		return nil, err
	}

	svc, err := fileservice.New(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	bus := events.NewEventBus(0)
	reporter := report.NewReporter()

	return &env{
		cfg:         cfg,
		store:       st,
		bus:         bus,
		reporter:    reporter,
		fileService: svc,
		coordinator: coordinator.New(cfg, st, dl, conv, svc, bus, reporter),
	}, nil
}

func (e *env) Close() {
	e.bus.Close()
	e.store.Close()
}

// executor adapts the coordinator to the task runner.
func (e *env) executor() runner.Executor {
	return runner.ExecutorFunc(func(ctx context.Context, task runner.Task) error {
		if task.Resume {
			_, err := e.coordinator.ResumeUpload(ctx, task.JobID)
			return err
		}
		_, err := e.coordinator.Run(ctx, task.JobID, task.URLs, task.Options)
		return err
	})
}

// ingress builds the validating job service on a dispatcher.
func (e *env) ingress(d runner.Dispatcher) *service.Service {
	return service.New(e.store, d)
}
