// Package cli job operation commands.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/BramAlkema/svg2pptx-batch/internal/convert"
	"github.com/BramAlkema/svg2pptx-batch/internal/events"
	"github.com/BramAlkema/svg2pptx-batch/internal/models"
	"github.com/BramAlkema/svg2pptx-batch/internal/retry"
	"github.com/BramAlkema/svg2pptx-batch/internal/runner"
	"github.com/BramAlkema/svg2pptx-batch/internal/store"
)

// newCreateCmd creates the 'create' command.
func newCreateCmd() *cobra.Command {
	var (
		totalFiles    int
		driveEnabled  bool
		folderPattern string
	)

	cmd := &cobra.Command{
		Use:   "create <job-id>",
		Short: "Create a batch job record",
		Long: `Create a batch job record in the state store. The job ID is
caller-supplied and immutable; creating an existing ID fails.

Example:
  # Job with Drive upload into a custom folder
  svg2pptx-batch create q3-review --drive --folder-pattern "Decks/{date}/{job_id}"

  # Conversion only, no upload
  svg2pptx-batch create q3-review`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			env, err := openEnv(GetContext())
			if err != nil {
				return err
			}
			defer env.Close()

			if _, err := env.store.GetJob(jobID); err == nil {
				return fmt.Errorf("job %s already exists", jobID)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}

			now := time.Now().UTC()
			job := &models.Job{
				JobID:                   jobID,
				Status:                  models.JobCreated,
				TotalFiles:              totalFiles,
				DriveIntegrationEnabled: driveEnabled,
				DriveUploadStatus:       models.DriveNotRequested,
				FolderPattern:           folderPattern,
				CreatedAt:               now,
				UpdatedAt:               now,
			}
			if driveEnabled {
				job.DriveUploadStatus = models.DrivePending
			}
			if err := env.store.PutJob(job); err != nil {
				return fmt.Errorf("failed to create job: %w", err)
			}

			fmt.Printf("Created job %s (drive: %v)\n", jobID, driveEnabled)
			return nil
		},
	}

	cmd.Flags().IntVar(&totalFiles, "total-files", 0, "Declared file count (discovered count wins if higher)")
	cmd.Flags().BoolVar(&driveEnabled, "drive", false, "Upload the artifact to the cloud file service")
	cmd.Flags().StringVar(&folderPattern, "folder-pattern", "", "Folder pattern ({date} and {job_id} placeholders)")

	return cmd
}

// newRunCmd creates the 'run' command.
func newRunCmd() *cobra.Command {
	var title string

	cmd := &cobra.Command{
		Use:   "run <job-id> <url>...",
		Short: "Run a batch job to completion",
		Long: `Download the given SVG URLs, convert them into a PPTX deck, and
upload the artifact if the job has Drive integration enabled. Runs
synchronously; the exit code reflects the job outcome.

Example:
  svg2pptx-batch run q3-review https://cdn.example.com/revenue.svg https://cdn.example.com/costs.svg`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, urls := args[0], args[1:]
			ctx := GetContext()

			env, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			bar := newStageBar(jobID)
			wait := watchEvents(env.bus, bar)

			ingress := env.ingress(&runner.SyncDispatcher{Exec: env.executor()})
			runErr := ingress.Enqueue(jobID, urls, convert.Options{Title: title})

			env.bus.Close()
			wait()
			bar.Finish()
			fmt.Println()
			if runErr != nil {
				return runErr
			}

			job, err := env.store.GetJob(jobID)
			if err != nil {
				return err
			}
			printJobOutcome(job)
			if job.Status == models.JobFailed {
				return fmt.Errorf("job %s failed", jobID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Presentation title passed to the converter")

	return cmd
}

// newResumeCmd creates the 'resume' command.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume the upload of a quota-parked job",
		Long: `Re-drive the upload stage of a job left in the uploading state by a
quota backoff. Fails if the backoff has not expired yet.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			env, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.coordinator.ResumeUpload(ctx, args[0])
			if err != nil {
				return err
			}
			if result.ErrorType == "quota_exceeded" {
				fmt.Printf("Job %s is still in quota backoff: %s\n", args[0], result.Error)
				return nil
			}
			fmt.Printf("Job %s: %s\n", args[0], result.Status)
			return nil
		},
	}
}

// newRecoverCmd creates the 'recover' command.
func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <job-id>",
		Short: "Retry the failed uploads of a failed job",
		Long: `Reattempt every failed upload of a failed job. The file service
connection is verified first. If every file recovers, the job moves
back to processing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			env, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			rec := retry.NewRecoverer(env.store, env.fileService)
			report, err := rec.Recover(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Recovered %d of %d failed uploads\n", report.Recovered, report.Attempted)
			for _, f := range report.Files {
				if f.Recovered {
					fmt.Printf("  %s: recovered\n", f.OriginalFilename)
				} else {
					fmt.Printf("  %s: %s\n", f.OriginalFilename, f.Error)
				}
			}
			return nil
		},
	}
}

// newProgressCmd creates the 'progress' command.
func newProgressCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "progress <job-id>",
		Short: "Show a job's status and upload progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(GetContext())
			if err != nil {
				return err
			}
			defer env.Close()

			job, err := env.store.GetJob(args[0])
			if err != nil {
				return fmt.Errorf("job_not_found: %w", err)
			}
			p, err := env.ingress(nil).Progress(args[0])
			if err != nil {
				return err
			}

			if asJSON {
				out := struct {
					JobID             string                   `json:"job_id"`
					Status            models.JobStatus         `json:"status"`
					DriveUploadStatus models.DriveUploadStatus `json:"drive_upload_status"`
					Progress          *models.Progress         `json:"progress"`
				}{job.JobID, job.Status, job.DriveUploadStatus, p}
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			printJobOutcome(job)
			if p.Total > 0 {
				fmt.Printf("  Files: %d/%d uploaded, %d failed, %d pending (%.0f%%)\n",
					p.Completed, p.Total, p.Failed, p.Pending, p.Percent)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")

	return cmd
}

// newListCmd creates the 'list' command.
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all jobs in the state store",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(GetContext())
			if err != nil {
				return err
			}
			defer env.Close()

			jobs, err := env.store.ListJobs()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found")
				return nil
			}

			fmt.Printf("Found %d job(s):\n\n", len(jobs))
			for _, job := range jobs {
				fmt.Printf("  %-30s %-24s drive: %s\n", job.JobID, job.Status, job.DriveUploadStatus)
			}
			return nil
		},
	}
}

func printJobOutcome(job *models.Job) {
	fmt.Printf("Job %s:\n", job.JobID)
	fmt.Printf("  Status: %s\n", job.Status)
	if job.DriveIntegrationEnabled {
		fmt.Printf("  Drive upload: %s\n", job.DriveUploadStatus)
	}
}

// newStageBar builds the indeterminate progress spinner for one-shot
// runs. Logs go to stderr, the bar owns stdout.
func newStageBar(jobID string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(fmt.Sprintf("[%s] starting", jobID)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionShowCount(),
	)
}

// watchEvents drives the spinner from the event bus. The returned wait
// function blocks until the bus closes and the watcher drains.
func watchEvents(bus *events.EventBus, bar *progressbar.ProgressBar) func() {
	ch := bus.SubscribeAll()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range ch {
			switch e := ev.(type) {
			case *events.JobStateChangeEvent:
				bar.Describe(fmt.Sprintf("[%s] %s", e.JobID, e.NewStatus))
			case *events.FileUploadEvent:
				if e.Type() == events.EventFileUploadCompleted {
					bar.Add(1)
				}
			case *events.QuotaExceededEvent:
				bar.Describe(fmt.Sprintf("[%s] quota backoff until %s",
					e.JobID, e.ResetTime.Format("15:04:05")))
			}
		}
	}()

	return func() {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}
