package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// AssetRepositoryPG implements domain.AssetRepository using PostgreSQL.
type AssetRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewAssetRepository constructs a new asset repository instance.
func NewAssetRepository(pool *pgxpool.Pool) *AssetRepositoryPG {
	return &AssetRepositoryPG{pool: pool}
}

// Save records one uploaded asset.
func (r *AssetRepositoryPG) Save(ctx context.Context, asset *domain.ImageAsset) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO image_assets (id, job_id, owner_id, url, purpose, temporary)
VALUES ($1, $2, $3, $4, $5, $6);
`, asset.ID, asset.JobID, asset.OwnerID, asset.URL, asset.Purpose, asset.Temporary)
	return err
}

// ListByJob returns all assets belonging to the (job, owner) pair.
func (r *AssetRepositoryPG) ListByJob(ctx context.Context, jobID, ownerID string) ([]domain.ImageAsset, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, job_id, owner_id, url, purpose, temporary, created_at
FROM image_assets
WHERE job_id = $1 AND owner_id = $2
ORDER BY created_at ASC;
`, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []domain.ImageAsset
	for rows.Next() {
		var asset domain.ImageAsset
		if err := rows.Scan(&asset.ID, &asset.JobID, &asset.OwnerID, &asset.URL, &asset.Purpose, &asset.Temporary, &asset.CreatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assets, nil
}

// DeleteByID removes one asset record.
func (r *AssetRepositoryPG) DeleteByID(ctx context.Context, assetID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM image_assets WHERE id = $1;`, assetID)
	return err
}

var _ domain.AssetRepository = (*AssetRepositoryPG)(nil)
