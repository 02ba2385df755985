package prompt

import (
	"strings"
	"testing"

	"server/internal/domain"
)

func TestBuildInstructionColorChangeRule(t *testing.T) {
	out := BuildInstruction(EnhanceRequest{
		BasePrompt: "red silk blouse",
		Mode:       domain.ModeColorChange,
		Settings:   domain.StyleSettings{Style: "vintage denim"},
	})
	if !strings.Contains(out, "alter the hue only") {
		t.Fatalf("color change rule missing:\n%s", out)
	}
	if !strings.Contains(out, "Vintage Denim") {
		t.Fatalf("style should be title-cased:\n%s", out)
	}
	if !strings.Contains(out, `"red silk blouse"`) {
		t.Fatalf("base prompt missing:\n%s", out)
	}
}

func TestBuildInstructionPoseChangeRule(t *testing.T) {
	out := BuildInstruction(EnhanceRequest{
		Mode:      domain.ModePoseChange,
		PoseImage: &ImageInput{URL: "mem://pose.png"},
	})
	if !strings.Contains(out, "exactly one concrete pose") {
		t.Fatalf("pose rule missing:\n%s", out)
	}
	if !strings.Contains(out, "sleeve length") || !strings.Contains(out, "pockets") {
		t.Fatalf("garment compatibility constraints missing:\n%s", out)
	}
	if !strings.Contains(out, "pose reference image is attached") {
		t.Fatalf("pose attachment note missing:\n%s", out)
	}
}

func TestBuildInstructionFreeformCarriesEditVerbatim(t *testing.T) {
	out := BuildInstruction(EnhanceRequest{
		Mode:     domain.ModeEditFreeform,
		Settings: domain.StyleSettings{FreeformInstruction: "ganti latar jadi pantai"},
	})
	if !strings.Contains(out, `"ganti latar jadi pantai"`) {
		t.Fatalf("freeform edit must appear verbatim:\n%s", out)
	}
	if !strings.Contains(out, "English") {
		t.Fatalf("working language missing:\n%s", out)
	}
}

func TestBuildInstructionReplaceAnalysesFabric(t *testing.T) {
	out := BuildInstruction(EnhanceRequest{Mode: domain.ModeReplace})
	if !strings.Contains(out, "fabric and construction") {
		t.Fatalf("replace mode fabric analysis missing:\n%s", out)
	}
}

func TestAttachmentsKeepReferenceFirst(t *testing.T) {
	req := EnhanceRequest{
		ReferenceImage: ImageInput{URL: "mem://ref.png"},
		LocationImage:  &ImageInput{URL: "mem://loc.png"},
		HairStyleImage: &ImageInput{URL: "mem://hair.png"},
	}
	imgs := attachments(req)
	if len(imgs) != 3 {
		t.Fatalf("attachments = %d, want 3", len(imgs))
	}
	if imgs[0].URL != "mem://ref.png" {
		t.Fatalf("first attachment = %q, want the reference image", imgs[0].URL)
	}
}
