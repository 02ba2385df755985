package domain

import "time"

// AssetPurpose tags what role an uploaded image plays inside a job.
type AssetPurpose string

const (
	AssetPurposeReference         AssetPurpose = "reference"
	AssetPurposeLocation          AssetPurpose = "location"
	AssetPurposePose              AssetPurpose = "pose"
	AssetPurposeHairStyle         AssetPurpose = "hairstyle"
	AssetPurposePortrait          AssetPurpose = "portrait"
	AssetPurposeComposite         AssetPurpose = "composite"
	AssetPurposeBackgroundRemoved AssetPurpose = "background_removed"
	AssetPurposeFinalResult       AssetPurpose = "final_result"
)

// ImageAsset is an object-storage blob owned by a job. Temporary assets are
// deleted by the cleanup sweep once the owning job is terminal.
type ImageAsset struct {
	ID        string
	JobID     string
	OwnerID   string
	URL       string
	Purpose   AssetPurpose
	Temporary bool
	CreatedAt time.Time
}
