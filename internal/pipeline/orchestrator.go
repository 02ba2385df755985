// Package pipeline sequences one generation job from intake to a terminal
// state: input normalization, compositing, concurrent prompt enhancement and
// background removal, image synthesis, settlement, and cleanup.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/imaging"
	imageprovider "server/internal/providers/image"
	"server/internal/providers/prompt"
	"server/internal/providers/segment"
	"server/internal/storage"
)

// ImageUpload is one client-supplied image, either raw bytes or a URL the
// client already uploaded elsewhere.
type ImageUpload struct {
	Data []byte
	MIME string
	URL  string
}

// Request is the normalized intake for one generation.
type Request struct {
	JobID       string // optional, client-generated for resumability
	OwnerID     string
	PromptText  string
	Images      []ImageUpload
	Location    *ImageUpload
	Pose        *ImageUpload
	HairStyle   *ImageUpload
	Portrait    *ImageUpload
	Settings    domain.StyleSettings
	AspectRatio string
	Mode        domain.Mode
	ProductMode bool
}

// Options tunes pipeline behaviour.
type Options struct {
	// CreditCost is the nominal cost settled on success.
	CreditCost int
	// StuckAfter is the inactivity window after which a processing job is
	// reclassified to failed during a status read.
	StuckAfter time.Duration
}

// Orchestrator runs the generation pipeline. One call handles one job; jobs
// are independent and share nothing but the owner's credit balance.
type Orchestrator struct {
	jobs       domain.JobRepository
	assets     domain.AssetRepository
	store      storage.Store
	compositor *imaging.Compositor
	prompts    *prompt.Synthesizer
	remover    *segment.Remover
	synth      *imageprovider.Synthesizer
	settler    Settler
	httpClient *http.Client
	opts       Options
	logger     zerolog.Logger
}

// Settler is the credit settlement hook invoked when a job completes.
type Settler interface {
	DeductOnSuccess(ctx context.Context, jobID, ownerID string, amount int) error
}

// New wires the orchestrator.
func New(
	jobs domain.JobRepository,
	assets domain.AssetRepository,
	store storage.Store,
	compositor *imaging.Compositor,
	prompts *prompt.Synthesizer,
	remover *segment.Remover,
	synth *imageprovider.Synthesizer,
	settler Settler,
	opts Options,
	logger zerolog.Logger,
) *Orchestrator {
	if opts.CreditCost <= 0 {
		opts.CreditCost = 1
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 10 * time.Minute
	}
	return &Orchestrator{
		jobs:       jobs,
		assets:     assets,
		store:      store,
		compositor: compositor,
		prompts:    prompts,
		remover:    remover,
		synth:      synth,
		settler:    settler,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		opts:       opts,
		logger:     logger,
	}
}

// Run executes the full pipeline and returns the terminal job record. The
// job row is created before any external call so a crash mid-pipeline leaves
// an auditable trail.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*domain.Job, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := &domain.Job{
		ID:          jobID,
		OwnerID:     req.OwnerID,
		Status:      domain.JobStatusPending,
		Mode:        req.Mode,
		Inputs:      initialInputs(req),
		CreditState: domain.CreditState{Amount: o.opts.CreditCost},
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if _, err := o.jobs.Transition(ctx, jobID, req.OwnerID, domain.JobStatusProcessing, domain.JobPatch{}); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	start := time.Now()
	result, inputs, runErr := o.execute(ctx, jobID, req)
	elapsed := time.Since(start).Seconds()

	if runErr != nil {
		o.failJob(ctx, jobID, req.OwnerID, runErr, elapsed, inputs)
		failed, getErr := o.jobs.Get(ctx, jobID, req.OwnerID)
		if getErr != nil {
			return nil, runErr
		}
		return failed, runErr
	}

	result.ProcessingTimeSeconds = elapsed
	completed, err := o.jobs.Transition(ctx, jobID, req.OwnerID, domain.JobStatusCompleted, domain.JobPatch{Result: result, Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	if err := o.settler.DeductOnSuccess(ctx, jobID, req.OwnerID, o.opts.CreditCost); err != nil {
		// The image was delivered; settlement failures flag the job for
		// reconciliation instead of revoking the result.
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("pipeline: settlement failed")
	}
	o.cleanup(ctx, jobID, req.OwnerID)
	final, err := o.jobs.Get(ctx, jobID, req.OwnerID)
	if err != nil {
		return completed, nil
	}
	return final, nil
}

// execute runs the stages between processing and the terminal transition.
// The returned inputs snapshot carries the resolved asset URLs so the
// terminal transition can persist what the job actually consumed.
func (o *Orchestrator) execute(ctx context.Context, jobID string, req Request) (*domain.JobResult, *domain.JobInputs, error) {
	refURL, refData, sourceURLs, err := o.normalizeInputs(ctx, jobID, req)
	if err != nil {
		return nil, nil, err
	}

	auxiliary := o.uploadAuxiliary(ctx, jobID, req)
	inputs := resolvedInputs(req, sourceURLs, auxiliary)

	// Prompt enhancement and background removal have no data dependency;
	// run them concurrently. Both soft-degrade, so neither can fail the
	// job.
	var (
		wg             sync.WaitGroup
		enhancedPrompt string
		cleanedURL     string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		enhancedPrompt = o.prompts.Enhance(ctx, prompt.EnhanceRequest{
			BasePrompt:     req.PromptText,
			ReferenceImage: prompt.ImageInput{URL: refURL, Data: refData, MIME: "image/png"},
			LocationImage:  auxiliary.promptInput(domain.AssetPurposeLocation),
			PoseImage:      auxiliary.promptInput(domain.AssetPurposePose),
			HairStyleImage: auxiliary.promptInput(domain.AssetPurposeHairStyle),
			Settings:       req.Settings,
			Mode:           req.Mode,
		})
	}()
	go func() {
		defer wg.Done()
		cleanedURL = o.remover.Remove(ctx, jobID, refURL)
	}()
	wg.Wait()

	if cleanedURL != refURL {
		o.registerAsset(ctx, jobID, req.OwnerID, cleanedURL, domain.AssetPurposeBackgroundRemoved, true)
	}

	modelInputURL, err := o.selectModelInput(ctx, jobID, req, cleanedURL, auxiliary)
	if err != nil {
		return nil, inputs, err
	}

	synthesis, err := o.synth.Synthesize(ctx, imageprovider.SynthesisRequest{
		Prompt:      enhancedPrompt,
		ImageURL:    modelInputURL,
		AspectRatio: req.AspectRatio,
	})
	if err != nil {
		return nil, inputs, fmt.Errorf("image synthesis: %w", err)
	}
	o.registerAsset(ctx, jobID, req.OwnerID, synthesis.ImageURL, domain.AssetPurposeFinalResult, false)

	return &domain.JobResult{
		FinalImageURL:        synthesis.ImageURL,
		EnhancedPrompt:       enhancedPrompt,
		ProviderPredictionID: synthesis.PredictionID,
		FallbackUsed:         synthesis.FallbackUsed,
	}, inputs, nil
}

// normalizeInputs uploads raw source images, composites multi-image inputs,
// and returns the reference URL plus its bytes for prompt attachment,
// alongside the resolved source URLs for the persisted job record.
func (o *Orchestrator) normalizeInputs(ctx context.Context, jobID string, req Request) (string, []byte, []string, error) {
	var (
		sources    []imaging.Source
		sourceURLs []string
	)
	for _, img := range req.Images {
		url, err := o.resolveUpload(ctx, jobID, "reference", img)
		if err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: skipping unusable source image")
			continue
		}
		o.registerAsset(ctx, jobID, req.OwnerID, url, domain.AssetPurposeReference, true)
		sources = append(sources, imaging.Source{URL: url, Purpose: domain.AssetPurposeReference})
		sourceURLs = append(sourceURLs, url)
	}
	if len(sources) == 0 {
		return "", nil, nil, fmt.Errorf("%w: no usable source image", domain.ErrValidation)
	}

	if len(sources) == 1 {
		data, err := o.fetchBytes(ctx, sources[0].URL)
		if err != nil {
			// Enhancement degrades to the URL-only attachment path.
			o.logger.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: could not load reference bytes")
		}
		return sources[0].URL, data, sourceURLs, nil
	}

	layout := imaging.LayoutStacked
	if req.ProductMode {
		layout = imaging.LayoutSideBySide
	}
	composite, err := o.compositor.Combine(ctx, jobID, sources, layout)
	if err != nil {
		return "", nil, nil, fmt.Errorf("composite inputs: %w", err)
	}
	o.registerAsset(ctx, jobID, req.OwnerID, composite.URL, domain.AssetPurposeComposite, true)
	return composite.URL, composite.Data, sourceURLs, nil
}

// fetchBytes prefers the blob store and falls back to plain HTTP for
// externally hosted references.
func (o *Orchestrator) fetchBytes(ctx context.Context, url string) ([]byte, error) {
	if data, err := o.store.Get(ctx, url); err == nil {
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch %s: http %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// selectModelInput picks the image handed to the synthesizer. Auxiliary
// references are folded into a grid composite; otherwise the cleaned
// reference is used directly.
func (o *Orchestrator) selectModelInput(ctx context.Context, jobID string, req Request, cleanedURL string, aux auxiliaryAssets) (string, error) {
	gridSources := []imaging.Source{{URL: cleanedURL, Purpose: domain.AssetPurposeBackgroundRemoved}}
	if url := aux.url(domain.AssetPurposePortrait); url != "" {
		gridSources = append(gridSources, imaging.Source{URL: url, Purpose: domain.AssetPurposePortrait})
	}
	if url := aux.url(domain.AssetPurposeLocation); url != "" {
		gridSources = append(gridSources, imaging.Source{URL: url, Purpose: domain.AssetPurposeLocation})
	}
	if req.Mode == domain.ModePoseChange {
		if url := aux.url(domain.AssetPurposePose); url != "" {
			gridSources = append(gridSources, imaging.Source{URL: url, Purpose: domain.AssetPurposePose})
		}
	}
	if len(gridSources) == 1 {
		return cleanedURL, nil
	}
	composite, err := o.compositor.Combine(ctx, jobID, gridSources, imaging.LayoutGrid)
	if err != nil {
		return "", fmt.Errorf("composite model input: %w", err)
	}
	o.registerAsset(ctx, jobID, req.OwnerID, composite.URL, domain.AssetPurposeComposite, true)
	return composite.URL, nil
}

// resolveUpload stores raw bytes and passes URLs through.
func (o *Orchestrator) resolveUpload(ctx context.Context, jobID, category string, img ImageUpload) (string, error) {
	if len(img.Data) > 0 {
		ext := ".png"
		if img.MIME == "image/jpeg" || img.MIME == "image/jpg" {
			ext = ".jpg"
		}
		return o.store.Put(ctx, storage.UniqueKey(jobID, category, ext), img.Data)
	}
	if strings.TrimSpace(img.URL) != "" {
		return strings.TrimSpace(img.URL), nil
	}
	return "", fmt.Errorf("%w: empty image upload", domain.ErrValidation)
}

type auxiliaryAssets map[domain.AssetPurpose]string

func (a auxiliaryAssets) url(purpose domain.AssetPurpose) string { return a[purpose] }

func (a auxiliaryAssets) promptInput(purpose domain.AssetPurpose) *prompt.ImageInput {
	url, ok := a[purpose]
	if !ok {
		return nil
	}
	return &prompt.ImageInput{URL: url}
}

// uploadAuxiliary normalizes the optional reference images. Failures only
// drop the individual auxiliary.
func (o *Orchestrator) uploadAuxiliary(ctx context.Context, jobID string, req Request) auxiliaryAssets {
	aux := auxiliaryAssets{}
	for purpose, img := range map[domain.AssetPurpose]*ImageUpload{
		domain.AssetPurposeLocation:  req.Location,
		domain.AssetPurposePose:      req.Pose,
		domain.AssetPurposeHairStyle: req.HairStyle,
		domain.AssetPurposePortrait:  req.Portrait,
	} {
		if img == nil {
			continue
		}
		url, err := o.resolveUpload(ctx, jobID, string(purpose), *img)
		if err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Str("purpose", string(purpose)).Msg("pipeline: dropping auxiliary image")
			continue
		}
		o.registerAsset(ctx, jobID, req.OwnerID, url, purpose, true)
		aux[purpose] = url
	}
	return aux
}

func (o *Orchestrator) registerAsset(ctx context.Context, jobID, ownerID, url string, purpose domain.AssetPurpose, temporary bool) {
	if strings.TrimSpace(url) == "" {
		return
	}
	err := o.assets.Save(ctx, &domain.ImageAsset{
		ID:        uuid.NewString(),
		JobID:     jobID,
		OwnerID:   ownerID,
		URL:       url,
		Purpose:   purpose,
		Temporary: temporary,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: failed to register asset")
	}
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, ownerID string, cause error, elapsed float64, inputs *domain.JobInputs) {
	class := domain.ClassifyFailure(cause)
	msg := cause.Error()
	if _, err := o.jobs.Transition(ctx, jobID, ownerID, domain.JobStatusFailed, domain.JobPatch{
		Inputs:       inputs,
		Result:       &domain.JobResult{ProcessingTimeSeconds: elapsed},
		FailureClass: &class,
		ErrorMessage: &msg,
	}); err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("pipeline: failed to mark job failed")
	}
	o.cleanup(ctx, jobID, ownerID)
}

// initialInputs records the client-supplied references at intake; the
// resolved URLs overwrite them once normalization completes.
func initialInputs(req Request) domain.JobInputs {
	inputs := domain.JobInputs{
		Settings:    req.Settings,
		AspectRatio: req.AspectRatio,
		ProductMode: req.ProductMode,
	}
	for _, img := range req.Images {
		if url := strings.TrimSpace(img.URL); url != "" {
			inputs.SourceImageURLs = append(inputs.SourceImageURLs, url)
		}
	}
	if req.Location != nil {
		inputs.LocationImageURL = strings.TrimSpace(req.Location.URL)
	}
	if req.Pose != nil {
		inputs.PoseImageURL = strings.TrimSpace(req.Pose.URL)
	}
	if req.HairStyle != nil {
		inputs.HairStyleImageURL = strings.TrimSpace(req.HairStyle.URL)
	}
	if req.Portrait != nil {
		inputs.PortraitImageURL = strings.TrimSpace(req.Portrait.URL)
	}
	return inputs
}

// resolvedInputs snapshots the asset URLs the pipeline actually consumed.
func resolvedInputs(req Request, sourceURLs []string, aux auxiliaryAssets) *domain.JobInputs {
	return &domain.JobInputs{
		SourceImageURLs:   sourceURLs,
		LocationImageURL:  aux.url(domain.AssetPurposeLocation),
		PoseImageURL:      aux.url(domain.AssetPurposePose),
		HairStyleImageURL: aux.url(domain.AssetPurposeHairStyle),
		PortraitImageURL:  aux.url(domain.AssetPurposePortrait),
		Settings:          req.Settings,
		AspectRatio:       req.AspectRatio,
		ProductMode:       req.ProductMode,
	}
}

func validate(req Request) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}
	if len(req.Images) == 0 {
		return fmt.Errorf("%w: at least one source image is required", domain.ErrValidation)
	}
	if req.Mode == domain.ModeEditFreeform && strings.TrimSpace(req.Settings.FreeformInstruction) == "" {
		return fmt.Errorf("%w: freeform edit requires an instruction", domain.ErrValidation)
	}
	return nil
}
