package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

const providerColumns = `id, npi_number, first_name, last_name, organization_name, taxonomy_code,
	taxonomy_description, address_line1, address_line2, city, state, postal_code, country, phone,
	latitude, longitude, raw_data, integrity_hash, last_verified, created_at, updated_at`

// GetProviderByNPI retrieves a provider by its natural key.
func (db *DB) GetProviderByNPI(ctx context.Context, npi string) (model.Provider, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+providerColumns+` FROM providers WHERE npi_number = $1`, npi)
	if err != nil {
		return model.Provider{}, fmt.Errorf("storage: get provider: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProvider)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Provider{}, fmt.Errorf("storage: provider %s: %w", npi, ErrNotFound)
		}
		return model.Provider{}, fmt.Errorf("storage: get provider: %w", err)
	}
	return p, nil
}

// CreateProvider inserts p unless a provider with the same NPI number
// exists. It returns the persisted provider and whether this call created it.
// Concurrent callers for one NPI converge on a single row.
func (db *DB) CreateProvider(ctx context.Context, p model.Provider) (model.Provider, bool, error) {
	if p.RawData == nil {
		p.RawData = map[string]any{}
	}
	rows, err := db.pool.Query(ctx,
		`INSERT INTO providers (id, npi_number, first_name, last_name, organization_name, taxonomy_code,
		                        taxonomy_description, address_line1, address_line2, city, state, postal_code,
		                        country, phone, latitude, longitude, raw_data, integrity_hash, last_verified,
		                        created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20)
		 ON CONFLICT (npi_number) DO NOTHING
		 RETURNING `+providerColumns,
		p.ID, p.NPINumber, p.FirstName, p.LastName, p.OrganizationName, p.TaxonomyCode,
		p.TaxonomyDescription, p.AddressLine1, p.AddressLine2, p.City, p.State, p.PostalCode,
		p.Country, p.Phone, p.Latitude, p.Longitude, p.RawData, p.IntegrityHash, p.LastVerified,
		p.CreatedAt,
	)
	if err != nil {
		return model.Provider{}, false, fmt.Errorf("storage: create provider: %w", err)
	}
	created, err := pgx.CollectExactlyOneRow(rows, scanProvider)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Provider{}, false, fmt.Errorf("storage: create provider: %w", err)
	}
	existing, err := db.GetProviderByNPI(ctx, p.NPINumber)
	if err != nil {
		return model.Provider{}, false, err
	}
	return existing, false, nil
}

func scanProvider(row pgx.CollectableRow) (model.Provider, error) {
	var p model.Provider
	err := row.Scan(
		&p.ID, &p.NPINumber, &p.FirstName, &p.LastName, &p.OrganizationName, &p.TaxonomyCode,
		&p.TaxonomyDescription, &p.AddressLine1, &p.AddressLine2, &p.City, &p.State, &p.PostalCode,
		&p.Country, &p.Phone, &p.Latitude, &p.Longitude, &p.RawData, &p.IntegrityHash, &p.LastVerified,
		&p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
