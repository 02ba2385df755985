package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/pipeline"
)

type generateImagePayload struct {
	// Exactly one of data (base64) or url is set per image.
	Data string `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

type generateRequestPayload struct {
	JobID       string                 `json:"job_id,omitempty"`
	PromptText  string                 `json:"prompt_text"`
	Images      []generateImagePayload `json:"images"`
	Location    *generateImagePayload  `json:"location_image,omitempty"`
	Pose        *generateImagePayload  `json:"pose_image,omitempty"`
	HairStyle   *generateImagePayload  `json:"hair_style_image,omitempty"`
	Portrait    *generateImagePayload  `json:"portrait_image,omitempty"`
	Mode        string                 `json:"mode"`
	ProductMode bool                   `json:"product_mode"`
	AspectRatio string                 `json:"aspect_ratio"`
	Settings    struct {
		Style               string `json:"style"`
		Background          string `json:"background"`
		GarmentNotes        string `json:"garment_notes"`
		FreeformInstruction string `json:"freeform_instruction"`
		TargetLanguage      string `json:"target_language"`
	} `json:"settings"`
}

type generationView struct {
	JobID          string  `json:"job_id"`
	Status         string  `json:"status"`
	ResultImageURL string  `json:"result_image_url,omitempty"`
	EnhancedPrompt string  `json:"enhanced_prompt,omitempty"`
	FallbackUsed   bool    `json:"fallback_used,omitempty"`
	ProcessingTime float64 `json:"processing_time_seconds,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// Generate runs the pipeline synchronously: the response is sent only after
// the job reaches a terminal state. Clients that lose the connection resume
// through the status endpoint.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		a.jsonError(w, http.StatusUnauthorized, "missing owner")
		return
	}
	var payload generateRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	req := pipeline.Request{
		JobID:       payload.JobID,
		OwnerID:     owner,
		PromptText:  payload.PromptText,
		Mode:        domain.NormalizeMode(payload.Mode),
		ProductMode: payload.ProductMode,
		AspectRatio: payload.AspectRatio,
		Settings: domain.StyleSettings{
			Style:               payload.Settings.Style,
			Background:          payload.Settings.Background,
			GarmentNotes:        payload.Settings.GarmentNotes,
			FreeformInstruction: payload.Settings.FreeformInstruction,
			TargetLanguage:      payload.Settings.TargetLanguage,
		},
	}
	for _, img := range payload.Images {
		upload, err := decodeImagePayload(img)
		if err != nil {
			a.jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Images = append(req.Images, upload)
	}
	for dst, src := range map[**pipeline.ImageUpload]*generateImagePayload{
		&req.Location:  payload.Location,
		&req.Pose:      payload.Pose,
		&req.HairStyle: payload.HairStyle,
		&req.Portrait:  payload.Portrait,
	} {
		if src == nil {
			continue
		}
		upload, err := decodeImagePayload(*src)
		if err != nil {
			a.jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		*dst = &upload
	}

	job, err := a.Orchestrator.Run(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			a.jsonError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, domain.ErrDuplicateID):
			a.jsonError(w, http.StatusConflict, "job id already used")
			return
		}
		if job != nil {
			// Terminal failure with an auditable record.
			a.json(w, http.StatusUnprocessableEntity, viewOf(job))
			return
		}
		a.Logger.Error().Err(err).Msg("handlers: generation failed without job record")
		a.jsonError(w, http.StatusInternalServerError, "generation failed")
		return
	}
	a.json(w, http.StatusOK, viewOf(job))
}

// GenerationStatus lets a client resume after a dropped connection.
func (a *App) GenerationStatus(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		a.jsonError(w, http.StatusUnauthorized, "missing owner")
		return
	}
	jobID := chi.URLParam(r, "jobID")
	job, err := a.Orchestrator.Status(r.Context(), jobID, owner)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.jsonError(w, http.StatusNotFound, "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: status read failed")
		a.jsonError(w, http.StatusInternalServerError, "status read failed")
		return
	}
	a.json(w, http.StatusOK, viewOf(job))
}

func decodeImagePayload(img generateImagePayload) (pipeline.ImageUpload, error) {
	if strings.TrimSpace(img.Data) != "" {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return pipeline.ImageUpload{}, errors.New("image data is not valid base64")
		}
		return pipeline.ImageUpload{Data: data, MIME: img.MIME}, nil
	}
	return pipeline.ImageUpload{URL: img.URL}, nil
}

func viewOf(job *domain.Job) generationView {
	view := generationView{
		JobID:        job.ID,
		Status:       string(job.Status),
		ErrorMessage: job.ErrorMessage,
	}
	if job.Result != nil {
		view.ResultImageURL = job.Result.FinalImageURL
		view.EnhancedPrompt = job.Result.EnhancedPrompt
		view.FallbackUsed = job.Result.FallbackUsed
		view.ProcessingTime = job.Result.ProcessingTimeSeconds
	}
	return view
}
