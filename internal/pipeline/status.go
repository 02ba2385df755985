package pipeline

import (
	"context"
	"time"

	"server/internal/domain"
)

// Status reads a job for the polling surface. Reads double as the stuck-job
// sweep: a job still processing past the inactivity window is reclassified
// to failed right here, so a client that disappeared mid-poll cannot leave a
// permanently stuck record behind.
func (o *Orchestrator) Status(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := o.jobs.Get(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusProcessing {
		return job, nil
	}
	stale := time.Since(job.UpdatedAt)
	if stale <= o.opts.StuckAfter {
		return job, nil
	}

	o.logger.Warn().
		Str("job_id", jobID).
		Dur("stale_for", stale).
		Msg("pipeline: reclassifying stuck job to failed")
	class := domain.FailureClassTimeout
	msg := "generation exceeded the processing window"
	reclassified, err := o.jobs.Transition(ctx, jobID, ownerID, domain.JobStatusFailed, domain.JobPatch{
		Result:       &domain.JobResult{ProcessingTimeSeconds: time.Since(job.CreatedAt).Seconds()},
		FailureClass: &class,
		ErrorMessage: &msg,
	})
	if err != nil {
		// A concurrent completion or another status read won the race.
		return o.jobs.Get(ctx, jobID, ownerID)
	}
	o.cleanup(ctx, jobID, ownerID)
	return reclassified, nil
}

// cleanup deletes every temporary asset of a terminal job from object
// storage and the registry. Final results are kept.
func (o *Orchestrator) cleanup(ctx context.Context, jobID, ownerID string) {
	assets, err := o.assets.ListByJob(ctx, jobID, ownerID)
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: cleanup could not list assets")
		return
	}
	for _, asset := range assets {
		if !asset.Temporary {
			continue
		}
		if err := o.store.Delete(ctx, asset.URL); err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Str("url", asset.URL).Msg("pipeline: cleanup delete failed")
			continue
		}
		if err := o.assets.DeleteByID(ctx, asset.ID); err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: cleanup deregister failed")
		}
	}
}
