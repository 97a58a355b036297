package sqlstore

import (
	"fmt"
	"time"

	"github.com/goliatone/go-deadlines/core"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// DefaultAgencyCacheTTL bounds how stale an agency phone list may be.
const DefaultAgencyCacheTTL = 5 * time.Minute

// Stores bundles every SQL-backed collaborator built on one bun.DB.
type Stores struct {
	db            *bun.DB
	transfers     *TransferStore
	notifications *NotificationStore
	agencies      *AgencyDirectory
	cachedAgency  *CachedAgencyDirectory
	audit         *AuditLog
	cronRuns      *CronRunLog
}

type FactoryOption func(*factoryConfig)

type factoryConfig struct {
	agencyCacheTTL time.Duration
	disableCache   bool
}

func WithAgencyCacheTTL(ttl time.Duration) FactoryOption {
	return func(c *factoryConfig) {
		c.agencyCacheTTL = ttl
	}
}

// WithoutAgencyCache reads agencies straight from the database.
func WithoutAgencyCache() FactoryOption {
	return func(c *factoryConfig) {
		c.disableCache = true
	}
}

func NewStoresFromPersistence(client *persistence.Client, opts ...FactoryOption) (*Stores, error) {
	return NewStores(client, opts...)
}

// NewStores accepts a *bun.DB or anything exposing DB() *bun.DB.
func NewStores(candidate any, opts ...FactoryOption) (*Stores, error) {
	db, err := resolveBunDB(candidate)
	if err != nil {
		return nil, err
	}
	cfg := factoryConfig{agencyCacheTTL: DefaultAgencyCacheTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	s := &Stores{db: db}
	if s.transfers, err = NewTransferStore(db); err != nil {
		return nil, err
	}
	if s.notifications, err = NewNotificationStore(db); err != nil {
		return nil, err
	}
	if s.agencies, err = NewAgencyDirectory(db); err != nil {
		return nil, err
	}
	if s.audit, err = NewAuditLog(db); err != nil {
		return nil, err
	}
	if s.cronRuns, err = NewCronRunLog(db); err != nil {
		return nil, err
	}
	if !cfg.disableCache {
		cacheService, err := NewAgencyCacheService(cfg.agencyCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: agency cache: %w", err)
		}
		if s.cachedAgency, err = NewCachedAgencyDirectory(s.agencies, cacheService); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Stores) DB() *bun.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Stores) Transfers() *TransferStore {
	if s == nil {
		return nil
	}
	return s.transfers
}

func (s *Stores) Notifications() *NotificationStore {
	if s == nil {
		return nil
	}
	return s.notifications
}

// Agencies returns the cached directory unless caching was disabled.
func (s *Stores) Agencies() core.AgencyDirectory {
	if s == nil {
		return nil
	}
	if s.cachedAgency != nil {
		return s.cachedAgency
	}
	return s.agencies
}

func (s *Stores) AgencyDirectory() *AgencyDirectory {
	if s == nil {
		return nil
	}
	return s.agencies
}

func (s *Stores) Audit() *AuditLog {
	if s == nil {
		return nil
	}
	return s.audit
}

func (s *Stores) CronRuns() *CronRunLog {
	if s == nil {
		return nil
	}
	return s.cronRuns
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

var (
	_ core.TransferRepository = (*TransferStore)(nil)
	_ core.NotificationStore  = (*NotificationStore)(nil)
	_ core.AgencyDirectory    = (*AgencyDirectory)(nil)
	_ core.AgencyDirectory    = (*CachedAgencyDirectory)(nil)
	_ core.AuditLog           = (*AuditLog)(nil)
	_ core.CronRunLog         = (*CronRunLog)(nil)
)
