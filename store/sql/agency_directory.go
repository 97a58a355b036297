package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-deadlines/core"
	repository "github.com/goliatone/go-repository-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type AgencyDirectory struct {
	db   *bun.DB
	repo repository.Repository[*agencyRecord]
	now  func() time.Time
}

func NewAgencyDirectory(db *bun.DB) (*AgencyDirectory, error) {
	repo, err := newRepository(db, agencyHandlers(), "agency")
	if err != nil {
		return nil, err
	}
	return &AgencyDirectory{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (d *AgencyDirectory) GetAgency(ctx context.Context, agencyID string) (core.Agency, error) {
	if d == nil || d.repo == nil {
		return core.Agency{}, fmt.Errorf("sqlstore: agency directory is not configured")
	}
	agencyID = strings.TrimSpace(agencyID)
	records, _, err := d.repo.List(ctx,
		repository.SelectBy("id", "=", agencyID),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Agency{}, err
	}
	if len(records) == 0 {
		return core.Agency{}, fmt.Errorf("%w: %s", core.ErrAgencyNotFound, agencyID)
	}
	return records[0].toDomain(), nil
}

// Save upserts an agency row. Used for seeding and tests.
func (d *AgencyDirectory) Save(ctx context.Context, agency core.Agency) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("sqlstore: agency directory is not configured")
	}
	id := strings.TrimSpace(agency.ID)
	if id == "" {
		return fmt.Errorf("sqlstore: agency id is required")
	}
	now := d.now()
	record := &agencyRecord{
		ID:            id,
		Name:          strings.TrimSpace(agency.Name),
		ContactPhones: copyStrings(agency.ContactPhones),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := d.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("contact_phones = EXCLUDED.contact_phones").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

const agencyCacheKeyPrefix = "go-deadlines::agency::v1"

// AgencyCacheKey is the cache key for one agency id.
func AgencyCacheKey(agencyID string) (string, error) {
	agencyID = strings.TrimSpace(agencyID)
	if agencyID == "" {
		return "", fmt.Errorf("sqlstore: agency id is required")
	}
	return agencyCacheKeyPrefix + "::" + url.PathEscape(agencyID), nil
}

// CachedAgencyDirectory serves agency contact numbers through a read-through
// cache. Misses are never cached.
type CachedAgencyDirectory struct {
	base  core.AgencyDirectory
	cache repositorycache.CacheService
}

func NewCachedAgencyDirectory(base core.AgencyDirectory, cacheService repositorycache.CacheService) (*CachedAgencyDirectory, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base agency directory is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: agency cache service is required")
	}
	return &CachedAgencyDirectory{base: base, cache: cacheService}, nil
}

func (d *CachedAgencyDirectory) GetAgency(ctx context.Context, agencyID string) (core.Agency, error) {
	if d == nil || d.base == nil || d.cache == nil {
		return core.Agency{}, fmt.Errorf("sqlstore: cached agency directory is not configured")
	}
	key, err := AgencyCacheKey(agencyID)
	if err != nil {
		return core.Agency{}, err
	}
	agency, err := repositorycache.GetOrFetch(ctx, d.cache, key, func(ctx context.Context) (core.Agency, error) {
		return d.base.GetAgency(ctx, strings.TrimSpace(agencyID))
	})
	if err != nil {
		return core.Agency{}, err
	}
	agency.ContactPhones = append([]string(nil), agency.ContactPhones...)
	return agency, nil
}

// Invalidate drops the cached entry for agencyID.
func (d *CachedAgencyDirectory) Invalidate(ctx context.Context, agencyID string) error {
	if d == nil || d.cache == nil {
		return nil
	}
	key, err := AgencyCacheKey(agencyID)
	if err != nil {
		return err
	}
	return d.cache.Delete(ctx, key)
}

// NewAgencyCacheService builds the default in-process cache for agencies.
func NewAgencyCacheService(ttl time.Duration) (repositorycache.CacheService, error) {
	config := repositorycache.DefaultConfig()
	if ttl > 0 {
		config.TTL = ttl
	}
	return repositorycache.NewCacheService(config)
}
