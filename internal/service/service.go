// Package service is the internal job ingress API: enqueue a
// coordinator invocation, query progress.
package service

import (
	"fmt"
	"net/url"

	"github.com/BramAlkema/svg2pptx-batch/internal/convert"
	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
	"github.com/BramAlkema/svg2pptx-batch/internal/models"
	"github.com/BramAlkema/svg2pptx-batch/internal/runner"
	"github.com/BramAlkema/svg2pptx-batch/internal/store"
)

// Service validates and routes job requests.
type Service struct {
	store      store.Store
	dispatcher runner.Dispatcher
	logger     *logging.Logger
}

// New builds a Service on a store and a task dispatcher.
func New(st store.Store, d runner.Dispatcher) *Service {
	return &Service{
		store:      st,
		dispatcher: d,
		logger:     logging.NewLogger("service"),
	}
}

// Enqueue validates the job and its URL list, then hands the invocation
// to the dispatcher.
func (s *Service) Enqueue(jobID string, urls []string, opts convert.Options) error {
	if _, err := s.store.GetJob(jobID); err != nil {
		return fmt.Errorf("job_not_found: %w", err)
	}
	if len(urls) == 0 {
		return fmt.Errorf("validation_error: URL list is empty")
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("validation_error: %q is not a valid http(s) URL", raw)
		}
	}

	if err := s.dispatcher.Submit(runner.Task{JobID: jobID, URLs: urls, Options: opts}); err != nil {
		return err
	}
	s.logger.Info().Str("job_id", jobID).Int("urls", len(urls)).Msg("Job enqueued")
	return nil
}

// Progress computes the job's upload progress from FileMeta counts.
// Files the job declared but has not yet materialized count as pending.
func (s *Service) Progress(jobID string) (*models.Progress, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("job_not_found: %w", err)
	}

	metas, err := s.store.ListFileMeta(jobID)
	if err != nil {
		return nil, err
	}

	p := &models.Progress{}
	for _, meta := range metas {
		switch meta.UploadStatus {
		case models.UploadCompleted:
			p.Completed++
		case models.UploadFailed:
			p.Failed++
		default:
			p.Pending++
		}
	}

	p.Total = len(metas)
	if job.TotalFiles > p.Total {
		p.Pending += job.TotalFiles - p.Total
		p.Total = job.TotalFiles
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	return p, nil
}
