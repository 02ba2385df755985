package prompt

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"server/internal/domain"
)

// workingLanguage is the language every synthesis instruction is expressed
// in, regardless of the client's locale. Image models respond most reliably
// to English prompts.
const workingLanguage = "English"

// BuildInstruction assembles the structured instruction sent to the vision
// model. The reference image always accompanies it; the mode decides which
// deterministic rules are injected.
func BuildInstruction(req EnhanceRequest) string {
	var lines []string

	lines = append(lines,
		"You are a fashion photography prompt engineer. Study the attached product reference photo and rewrite the base prompt into one detailed, photorealistic image-generation prompt.",
		fmt.Sprintf("Respond in %s with the prompt text only, no preamble.", workingLanguage))

	if base := strings.TrimSpace(req.BasePrompt); base != "" {
		lines = append(lines, fmt.Sprintf("Base prompt: %q.", base))
	}

	titler := cases.Title(language.English)
	if style := strings.TrimSpace(req.Settings.Style); style != "" {
		lines = append(lines, fmt.Sprintf("Target style: %s.", titler.String(style)))
	}
	if bg := strings.TrimSpace(req.Settings.Background); bg != "" {
		lines = append(lines, fmt.Sprintf("Background direction: %s.", bg))
	}
	if notes := strings.TrimSpace(req.Settings.GarmentNotes); notes != "" {
		lines = append(lines, fmt.Sprintf("Garment notes: %s.", notes))
	}

	switch req.Mode {
	case domain.ModeColorChange:
		lines = append(lines,
			"Rule: alter the hue only. Preserve the garment's construction, silhouette, stitching, fabric texture, and every structural detail exactly as photographed.")
	case domain.ModePoseChange:
		lines = append(lines,
			"Rule: request exactly one concrete pose for the model. The pose must be compatible with the garment as photographed: respect its sleeve length and whether it has pockets before posing hands or arms.")
		if req.PoseImage != nil {
			lines = append(lines, "A pose reference image is attached; derive the pose from it.")
		}
	case domain.ModeEditFreeform:
		edit := strings.TrimSpace(req.Settings.FreeformInstruction)
		lines = append(lines,
			fmt.Sprintf("Rule: apply the following user edit verbatim, translated into %s if needed: %q.", workingLanguage, edit))
	default: // replace
		lines = append(lines,
			"Rule: perform a full styling pass. Analyse the fabric and construction of the photographed garment (weave, drape, weight, seams) and describe it precisely so the generated scene reproduces it faithfully.")
	}

	if req.LocationImage != nil {
		lines = append(lines, "A location reference image is attached; set the scene there.")
	}
	if req.HairStyleImage != nil {
		lines = append(lines, "A hairstyle reference image is attached; style the model's hair to match it.")
	}

	return strings.Join(lines, "\n")
}

// attachments lists the images to send with the instruction, reference
// first.
func attachments(req EnhanceRequest) []ImageInput {
	imgs := []ImageInput{req.ReferenceImage}
	for _, aux := range []*ImageInput{req.LocationImage, req.PoseImage, req.HairStyleImage} {
		if aux != nil {
			imgs = append(imgs, *aux)
		}
	}
	return imgs
}
