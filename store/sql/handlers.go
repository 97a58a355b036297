package sqlstore

import (
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// idHandlers builds repository handlers for records keyed by a text id.
// Ids are usually uuids, but transfer and agency ids come from upstream
// systems and are stored verbatim.
func idHandlers[T any](newRecord func() T, getID func(T) string, setID func(T, string)) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			return parseUUID(getID(record))
		},
		SetID: func(record T, id uuid.UUID) {
			if strings.TrimSpace(getID(record)) == "" {
				setID(record, id.String())
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			return strings.TrimSpace(getID(record))
		},
	}
}

func transferHandlers() repository.ModelHandlers[*transferRecord] {
	return idHandlers(
		func() *transferRecord { return &transferRecord{} },
		func(r *transferRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *transferRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func agencyHandlers() repository.ModelHandlers[*agencyRecord] {
	return idHandlers(
		func() *agencyRecord { return &agencyRecord{} },
		func(r *agencyRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *agencyRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func notificationHandlers() repository.ModelHandlers[*notificationRecord] {
	return idHandlers(
		func() *notificationRecord { return &notificationRecord{} },
		func(r *notificationRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *notificationRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func auditHandlers() repository.ModelHandlers[*auditRecord] {
	return idHandlers(
		func() *auditRecord { return &auditRecord{} },
		func(r *auditRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *auditRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func cronRunHandlers() repository.ModelHandlers[*cronRunRecord] {
	return idHandlers(
		func() *cronRunRecord { return &cronRunRecord{} },
		func(r *cronRunRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *cronRunRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func newRepository[T any](db *bun.DB, handlers repository.ModelHandlers[T], name string) (repository.Repository[T], error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[T](db, handlers)
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid %s repository wiring: %w", name, err)
		}
	}
	return repo, nil
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
