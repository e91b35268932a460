// Package cli daemon mode: spool-directory intake, worker pool,
// quota-wait resumption, optional metrics listener.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/BramAlkema/svg2pptx-batch/internal/convert"
	"github.com/BramAlkema/svg2pptx-batch/internal/metrics"
	"github.com/BramAlkema/svg2pptx-batch/internal/models"
	"github.com/BramAlkema/svg2pptx-batch/internal/runner"
	"github.com/BramAlkema/svg2pptx-batch/internal/service"
)

const (
	spoolPollInterval  = 2 * time.Second
	resumeScanInterval = 30 * time.Second
	shutdownGrace      = 30 * time.Second
)

// spoolTask is the on-disk shape of a queued job request. Operators
// (or upstream systems) drop these as JSON files into <data-dir>/queue.
type spoolTask struct {
	JobID   string          `json:"job_id"`
	URLs    []string        `json:"urls"`
	Options convert.Options `json:"options"`
}

// newServeCmd creates the 'serve' command.
func newServeCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the batch engine as a daemon",
		Long: `Run the batch engine in the foreground until interrupted.

The daemon watches <data-dir>/queue for JSON task files of the form
{"job_id": "...", "urls": ["..."], "options": {"title": "..."}},
executes them on a bounded worker pool, and re-drives jobs whose quota
backoff has expired. With metrics_listen configured it also serves
Prometheus metrics on /metrics.

Press Ctrl+C to stop; in-flight jobs get a grace period to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			env, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			if workers <= 0 {
				workers = env.cfg.Workers
			}

			spoolDir := filepath.Join(env.cfg.DataDir, "queue")
			if err := os.MkdirAll(spoolDir, 0o755); err != nil {
				return fmt.Errorf("failed to create spool dir: %w", err)
			}

			r := runner.New(workers, workers*4, env.executor(), nil)
			r.Start(ctx)
			ingress := env.ingress(r)

			var metricsServer *http.Server
			if env.cfg.MetricsListen != "" {
				metricsServer = serveMetrics(env.cfg.MetricsListen)
			}

			logger := GetLogger()
			logger.Info().
				Int("workers", workers).
				Str("spool_dir", spoolDir).
				Msg("Batch engine serving")

			spoolTicker := time.NewTicker(spoolPollInterval)
			resumeTicker := time.NewTicker(resumeScanInterval)
			defer spoolTicker.Stop()
			defer resumeTicker.Stop()

		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case <-spoolTicker.C:
					drainSpool(spoolDir, ingress)
				case <-resumeTicker.C:
					resumeQuotaParked(env, r)
				}
			}

			logger.Info().Msg("Shutting down, draining in-flight jobs")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if metricsServer != nil {
				metricsServer.Shutdown(shutdownCtx)
			}
			return r.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (0 = config value)")

	return cmd
}

// drainSpool enqueues every task file in the spool directory, oldest
// first. Files are removed once accepted; malformed files are renamed
// aside so they stop being retried.
func drainSpool(spoolDir string, ingress *service.Service) {
	logger := GetLogger()

	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read spool dir")
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(spoolDir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error().Str("file", entry.Name()).Err(err).Msg("Failed to read task file")
			continue
		}
		var task spoolTask
		if err := json.Unmarshal(data, &task); err != nil {
			logger.Error().Str("file", entry.Name()).Err(err).Msg("Malformed task file, setting aside")
			os.Rename(path, path+".rejected")
			continue
		}

		if err := ingress.Enqueue(task.JobID, task.URLs, task.Options); err != nil {
			logger.Error().Str("job_id", task.JobID).Err(err).Msg("Task rejected")
			os.Rename(path, path+".rejected")
			continue
		}
		os.Remove(path)
		logger.Info().Str("job_id", task.JobID).Msg("Task accepted from spool")
	}
}

// resumeQuotaParked queues a resume for every uploading job whose quota
// backoff has expired.
func resumeQuotaParked(e *env, r *runner.Runner) {
	logger := GetLogger()

	jobs, err := e.store.ListJobs()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to scan jobs for quota resumption")
		return
	}

	now := time.Now()
	for _, job := range jobs {
		if job.Status != models.JobUploading || job.DriveUploadStatus != models.DriveQuotaWait {
			continue
		}
		var state models.RateLimiterState
		if ok, err := job.GetMeta(models.MetaKeyRateLimiter, &state); err != nil || !ok {
			continue
		}
		if state.QuotaExceeded && state.QuotaResetTime != nil && now.Before(*state.QuotaResetTime) {
			continue
		}
		if err := r.Submit(runner.Task{JobID: job.JobID, Resume: true}); err != nil {
			logger.Warn().Str("job_id", job.JobID).Err(err).Msg("Could not queue quota resume")
			continue
		}
		logger.Info().Str("job_id", job.JobID).Msg("Quota backoff expired, resuming upload")
	}
}

// serveMetrics starts the Prometheus listener in the background.
func serveMetrics(listen string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			GetLogger().Error().Err(err).Msg("Metrics listener failed")
		}
	}()
	return srv
}
