package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/TheLab-ms/orgbilling/internal/datamodel"
)

var ErrNotFound = errors.New("resource not found")

// ErrSessionClaimed is returned when a checkout session is already on record for a different org.
var ErrSessionClaimed = errors.New("checkout session belongs to another organization")

const migration = `
CREATE TABLE IF NOT EXISTS organizations (
	id text primary key,
	name text not null,
	published_at timestamp,
	metadata jsonb not null default '{}',
	created_at timestamp not null default now()
);

CREATE TABLE IF NOT EXISTS organization_memberships (
	id text primary key,
	org_id text not null references organizations (id) on delete cascade,
	user_id text not null,
	role text not null default 'member',
	metadata jsonb not null default '{}',
	created_at timestamp not null default now(),
	unique (org_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_organization_memberships_org ON organization_memberships (org_id, created_at);
`

// Store reads and writes organizations and their memberships in postgres.
type Store struct {
	db *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("constructing db client: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { s.db.Close() }

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, migration); err != nil {
		return fmt.Errorf("db migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

const orgColumns = "id, name, published_at, created_at, metadata"

func (s *Store) GetOrganization(ctx context.Context, id string) (*datamodel.Organization, error) {
	return scanOrganization(s.db.QueryRow(ctx, "SELECT "+orgColumns+" FROM organizations WHERE id = $1", id))
}

// ListMemberships returns the org's memberships, oldest first.
func (s *Store) ListMemberships(ctx context.Context, orgID string) ([]*datamodel.OrganizationMembership, error) {
	return listMemberships(ctx, s.db, orgID)
}

// GetMembership returns a specific user's membership of the org.
func (s *Store) GetMembership(ctx context.Context, orgID, userID string) (*datamodel.OrganizationMembership, error) {
	row := s.db.QueryRow(ctx, "SELECT id, org_id, user_id, role, created_at, metadata FROM organization_memberships WHERE org_id = $1 AND user_id = $2", orgID, userID)
	return scanMembership(row)
}

// UpgradeOrganization applies a paid checkout session to the org.
//
// The org row is locked for the duration of the transaction, so concurrent
// attempts to apply the same session serialize and all but the first become
// no-ops that return the already-upgraded org. A session recorded on any other
// org is refused with ErrSessionClaimed.
func (s *Store) UpgradeOrganization(ctx context.Context, p datamodel.UpgradeParams) (*datamodel.Organization, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	org, err := scanOrganization(tx.QueryRow(ctx, "SELECT "+orgColumns+" FROM organizations WHERE id = $1 FOR UPDATE", p.OrgID))
	if err != nil {
		return nil, err
	}
	if org.Metadata.HasPayment(p.CheckoutSessionID) {
		return org, nil
	}

	var claimed bool
	err = tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM organizations WHERE id <> $1 AND metadata->'paymentId' ? $2)", p.OrgID, p.CheckoutSessionID).Scan(&claimed)
	if err != nil {
		return nil, fmt.Errorf("checking for other orgs paid by the session: %w", err)
	}
	if claimed {
		return nil, ErrSessionClaimed
	}

	org.Metadata = org.Metadata.WithPayment(p.CheckoutSessionID, p.SubscriptionID, p.SubscriptionItemID)
	metaJS, err := json.Marshal(org.Metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if org.PublishedAt == nil {
		org.PublishedAt = &now
	}
	_, err = tx.Exec(ctx, "UPDATE organizations SET metadata = $2, published_at = $3 WHERE id = $1", org.ID, metaJS, org.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("updating organization: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing upgrade: %w", err)
	}
	return org, nil
}

// CreateOrganization inserts a pending org along with its first member.
// Mostly useful for seeding and tests - orgs are normally created by the product app.
func (s *Store) CreateOrganization(ctx context.Context, org *datamodel.Organization, owner *datamodel.OrganizationMembership) error {
	orgMeta, err := json.Marshal(org.Metadata)
	if err != nil {
		return err
	}
	memberMeta, err := json.Marshal(owner.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "INSERT INTO organizations (id, name, published_at, metadata) VALUES ($1, $2, $3, $4)", org.ID, org.Name, org.PublishedAt, orgMeta)
	if err != nil {
		return fmt.Errorf("inserting organization: %w", err)
	}
	_, err = tx.Exec(ctx, "INSERT INTO organization_memberships (id, org_id, user_id, role, metadata) VALUES ($1, $2, $3, $4, $5)", owner.ID, org.ID, owner.UserID, owner.Role, memberMeta)
	if err != nil {
		return fmt.Errorf("inserting membership: %w", err)
	}
	return tx.Commit(ctx)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listMemberships(ctx context.Context, db querier, orgID string) ([]*datamodel.OrganizationMembership, error) {
	rows, err := db.Query(ctx, "SELECT id, org_id, user_id, role, created_at, metadata FROM organization_memberships WHERE org_id = $1 ORDER BY created_at, id", orgID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	members := []*datamodel.OrganizationMembership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func scanOrganization(row pgx.Row) (*datamodel.Organization, error) {
	org := &datamodel.Organization{}
	var meta []byte
	err := row.Scan(&org.ID, &org.Name, &org.PublishedAt, &org.CreatedAt, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning organization: %w", err)
	}
	if err := json.Unmarshal(meta, &org.Metadata); err != nil {
		return nil, fmt.Errorf("decoding organization metadata: %w", err)
	}
	return org, nil
}

func scanMembership(row pgx.Row) (*datamodel.OrganizationMembership, error) {
	m := &datamodel.OrganizationMembership{}
	var meta []byte
	err := row.Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.CreatedAt, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning membership: %w", err)
	}
	if err := json.Unmarshal(meta, &m.Metadata); err != nil {
		return nil, fmt.Errorf("decoding membership metadata: %w", err)
	}
	return m, nil
}
