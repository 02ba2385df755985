package pipeline

import (
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/imaging"
	"server/internal/ledger"
	imageprovider "server/internal/providers/image"
	"server/internal/providers/prompt"
	"server/internal/providers/segment"
)

type testStore struct {
	objects map[string][]byte
}

func newTestStore() *testStore {
	return &testStore{objects: map[string][]byte{}}
}

func (s *testStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	url := "mem://" + key
	s.objects[url] = data
	return url, nil
}

func (s *testStore) Get(ctx context.Context, url string) ([]byte, error) {
	data, ok := s.objects[url]
	if !ok {
		return nil, errors.New("missing object")
	}
	return data, nil
}

func (s *testStore) Delete(ctx context.Context, url string) error {
	delete(s.objects, url)
	return nil
}

type stubEnhancer struct {
	mu   sync.Mutex
	text string
	last prompt.EnhanceRequest
}

func (e *stubEnhancer) Enhance(ctx context.Context, req prompt.EnhanceRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = req
	return e.text, nil
}

func (e *stubEnhancer) lastRequest() prompt.EnhanceRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

type stubPrediction struct {
	name    string
	pred    Prediction
	submits int
}

type Prediction = imageprovider.Prediction

func (c *stubPrediction) Submit(ctx context.Context, in imageprovider.SubmitInput) (string, error) {
	c.submits++
	return "pred-1", nil
}

func (c *stubPrediction) Poll(ctx context.Context, predictionID string) (*Prediction, error) {
	pred := c.pred
	pred.ID = predictionID
	return &pred, nil
}

func (c *stubPrediction) Name() string { return c.name }

type testRig struct {
	orchestrator *Orchestrator
	jobs         *repo.MemoryJobRepository
	credits      *repo.MemoryCreditRepository
	assets       *repo.MemoryAssetRepository
	store        *testStore
	enhancer     *stubEnhancer
	primary      *stubPrediction
	fallback     *stubPrediction
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	nop := zerolog.Nop()
	store := newTestStore()
	jobs := repo.NewMemoryJobRepository()
	credits := repo.NewMemoryCreditRepository()
	assets := repo.NewMemoryAssetRepository()

	primary := &stubPrediction{
		name: "primary",
		pred: Prediction{Status: imageprovider.PredictionStatusSucceeded, OutputURL: "https://cdn/final.png"},
	}
	fallback := &stubPrediction{
		name: "fallback",
		pred: Prediction{Status: imageprovider.PredictionStatusSucceeded, OutputURL: "https://cdn/fallback.png"},
	}
	synth := imageprovider.NewSynthesizer(primary, fallback, imageprovider.SynthesizerOptions{
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 10,
		WallClock:       5 * time.Second,
	}, nop)

	enhancer := &stubEnhancer{text: "enhanced prompt"}
	orchestrator := New(
		jobs,
		assets,
		store,
		imaging.NewCompositor(store, 64, nop),
		prompt.NewSynthesizer(enhancer, nil, nop),
		segment.NewRemover(nil, store, nop),
		synth,
		ledger.New(jobs, credits, nop),
		Options{CreditCost: 3, StuckAfter: 5 * time.Minute},
		nop,
	)

	return &testRig{
		orchestrator: orchestrator,
		jobs:         jobs,
		credits:      credits,
		assets:       assets,
		store:        store,
		enhancer:     enhancer,
		primary:      primary,
		fallback:     fallback,
	}
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	data, err := imaging.EncodePNG(image.NewNRGBA(image.Rect(0, 0, width, height)))
	require.NoError(t, err)
	return data
}

func TestRunHappyPathSettlesOnceAndCleansUp(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.credits.Seed("owner-1", 10)

	job, err := rig.orchestrator.Run(ctx, Request{
		OwnerID:    "owner-1",
		PromptText: "summer dress on a beach",
		Images:     []ImageUpload{{Data: pngBytes(t, 100, 200), MIME: "image/png"}},
		Mode:       domain.ModeReplace,
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	require.Equal(t, "https://cdn/final.png", job.Result.FinalImageURL)
	require.Equal(t, "enhanced prompt", job.Result.EnhancedPrompt)
	require.False(t, job.Result.FallbackUsed)
	require.True(t, job.CreditState.Deducted)

	account, err := rig.credits.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, 7, account.Balance, "exactly one deduction per completed job")

	remaining, err := rig.assets.ListByJob(ctx, job.ID, "owner-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1, "temporary assets are cleaned at terminal state")
	require.Equal(t, domain.AssetPurposeFinalResult, remaining[0].Purpose)
	require.Empty(t, rig.store.objects, "uploaded temporaries must be deleted from storage")
}

func TestRunMultiImageCompositesBeforeEnhancement(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.credits.Seed("owner-1", 10)

	job, err := rig.orchestrator.Run(ctx, Request{
		OwnerID: "owner-1",
		Images: []ImageUpload{
			{Data: pngBytes(t, 100, 200), MIME: "image/png"},
			{Data: pngBytes(t, 150, 100), MIME: "image/png"},
		},
		Mode: domain.ModeReplace,
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
}

func TestRunFetchesRemoteSourceForPromptModel(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.credits.Seed("owner-1", 10)

	png := pngBytes(t, 80, 80)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	job, err := rig.orchestrator.Run(ctx, Request{
		OwnerID: "owner-1",
		Images:  []ImageUpload{{URL: srv.URL + "/product.png"}},
		Mode:    domain.ModeReplace,
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, job.Status)

	got := rig.enhancer.lastRequest()
	require.Equal(t, srv.URL+"/product.png", got.ReferenceImage.URL)
	require.NotEmpty(t, got.ReferenceImage.Data, "externally hosted sources must be fetched for attachment")
}

func TestRunPersistsResolvedInputReferences(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.credits.Seed("owner-1", 10)

	job, err := rig.orchestrator.Run(ctx, Request{
		OwnerID:     "owner-1",
		Images:      []ImageUpload{{Data: pngBytes(t, 100, 100), MIME: "image/png"}},
		Location:    &ImageUpload{Data: pngBytes(t, 60, 60), MIME: "image/png"},
		AspectRatio: "1:1",
		Mode:        domain.ModeReplace,
	})
	require.NoError(t, err)

	stored, err := rig.jobs.Get(ctx, job.ID, "owner-1")
	require.NoError(t, err)
	require.Len(t, stored.Inputs.SourceImageURLs, 1)
	require.True(t, strings.HasPrefix(stored.Inputs.SourceImageURLs[0], "mem://"),
		"uploaded sources are recorded by their stored url, got %q", stored.Inputs.SourceImageURLs[0])
	require.True(t, strings.HasPrefix(stored.Inputs.LocationImageURL, "mem://"),
		"auxiliary references are recorded after normalization, got %q", stored.Inputs.LocationImageURL)
	require.Equal(t, "1:1", stored.Inputs.AspectRatio)
}

func TestRunUsesFallbackProviderOnPolicyRejection(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.credits.Seed("owner-1", 10)
	rig.primary.pred = Prediction{Status: imageprovider.PredictionStatusFailed, Error: "flagged by moderation"}

	job, err := rig.orchestrator.Run(ctx, Request{
		OwnerID: "owner-1",
		Images:  []ImageUpload{{Data: pngBytes(t, 100, 100), MIME: "image/png"}},
		Mode:    domain.ModeReplace,
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	require.True(t, job.Result.FallbackUsed)
	require.Equal(t, "https://cdn/fallback.png", job.Result.FinalImageURL)
	require.Equal(t, 1, rig.primary.submits)
	require.Equal(t, 1, rig.fallback.submits)
}

func TestRunSynthesisFailureFailsJobWithoutDeduction(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.credits.Seed("owner-1", 10)
	rig.primary.pred = Prediction{Status: imageprovider.PredictionStatusFailed, Error: "nsfw content detected"}
	rig.fallback.pred = Prediction{Status: imageprovider.PredictionStatusFailed, Error: "nsfw content detected"}

	job, err := rig.orchestrator.Run(ctx, Request{
		OwnerID: "owner-1",
		Images:  []ImageUpload{{Data: pngBytes(t, 100, 100), MIME: "image/png"}},
		Mode:    domain.ModeReplace,
	})
	require.Error(t, err)
	require.NotNil(t, job, "the failed record must still be returned")
	require.Equal(t, domain.JobStatusFailed, job.Status)
	require.Equal(t, domain.FailureClassContentPolicy, job.FailureClass)
	require.NotEmpty(t, job.ErrorMessage)
	require.False(t, job.CreditState.Deducted)

	account, err := rig.credits.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, 10, account.Balance, "failed jobs never consume credit")

	require.Empty(t, rig.store.objects, "temporary uploads are cleaned after failure")
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	_, err := rig.orchestrator.Run(ctx, Request{Images: []ImageUpload{{URL: "mem://x.png"}}})
	require.ErrorIs(t, err, domain.ErrValidation, "owner id is required")

	_, err = rig.orchestrator.Run(ctx, Request{OwnerID: "owner-1"})
	require.ErrorIs(t, err, domain.ErrValidation, "at least one image is required")

	_, err = rig.orchestrator.Run(ctx, Request{
		OwnerID: "owner-1",
		Images:  []ImageUpload{{URL: "mem://x.png"}},
		Mode:    domain.ModeEditFreeform,
	})
	require.ErrorIs(t, err, domain.ErrValidation, "freeform mode requires an instruction")
}

func TestRunRejectsDuplicateJobID(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.credits.Seed("owner-1", 10)

	req := Request{
		JobID:   "job-1",
		OwnerID: "owner-1",
		Images:  []ImageUpload{{Data: pngBytes(t, 50, 50), MIME: "image/png"}},
		Mode:    domain.ModeReplace,
	}
	_, err := rig.orchestrator.Run(ctx, req)
	require.NoError(t, err)

	req.Images = []ImageUpload{{Data: pngBytes(t, 50, 50), MIME: "image/png"}}
	_, err = rig.orchestrator.Run(ctx, req)
	require.ErrorIs(t, err, domain.ErrDuplicateID)
}

func TestStatusReclassifiesStuckJobs(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	require.NoError(t, rig.jobs.Create(ctx, &domain.Job{ID: "job-1", OwnerID: "owner-1", Status: domain.JobStatusPending}))
	_, err := rig.jobs.Transition(ctx, "job-1", "owner-1", domain.JobStatusProcessing, domain.JobPatch{})
	require.NoError(t, err)

	url, err := rig.store.Put(ctx, "jobs/job-1/reference/x.png", pngBytes(t, 10, 10))
	require.NoError(t, err)
	require.NoError(t, rig.assets.Save(ctx, &domain.ImageAsset{
		ID: "a-1", JobID: "job-1", OwnerID: "owner-1", URL: url,
		Purpose: domain.AssetPurposeReference, Temporary: true,
	}))

	// Fresh processing jobs are untouched.
	job, err := rig.orchestrator.Status(ctx, "job-1", "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusProcessing, job.Status)

	rig.jobs.Age("job-1", "owner-1", 6*time.Minute)
	job, err = rig.orchestrator.Status(ctx, "job-1", "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, job.Status)
	require.Equal(t, domain.FailureClassTimeout, job.FailureClass)
	require.Empty(t, rig.store.objects, "sweep must clean temporary assets")
}

func TestStatusUnknownJob(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	_, err := rig.orchestrator.Status(ctx, "ghost", "owner-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
