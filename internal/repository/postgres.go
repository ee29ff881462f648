// Package repository provides PostgreSQL-backed read accessors for the
// eligibility engine (members, policies, coverage rules, providers, employers,
// medical services and claim usage), the append-only eligibility audit sink,
// and API key storage.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/covercheck/internal/core"
)

const uniqueViolation = "23505"

// ErrDuplicateRequestID is returned when an audit record with the same
// request ID already exists.
var ErrDuplicateRequestID = errors.New("duplicate request id")

// APIKey is a stored API key together with the actor it authenticates as.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Username   string     `json:"username"`
	Scope      string     `json:"scope,omitempty"`
	Privileged bool       `json:"privileged"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// UsageQuery selects claim lines counted against a coverage target. Exactly
// one of ServiceID or CategoryID is expected. Both bounds are inclusive.
type UsageQuery struct {
	MemberID   string
	PolicyID   string
	ServiceID  string
	CategoryID string
	From       time.Time
	To         time.Time
}

// PostgresRepository implements the eligibility store backed by a pgxpool
// connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// GetMember returns pgx.ErrNoRows (wrapped) if the member does not exist.
func (r *PostgresRepository) GetMember(ctx context.Context, id string) (core.Member, error) {
	var (
		m                    core.Member
		policyID, employerID *string
		status, cardStatus   string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, member_number, full_name, status, card_status, card_expiry,
		       policy_id, employer_id, enrollment_date, coverage_start, coverage_end
		FROM members
		WHERE id = $1
	`, id).Scan(
		&m.ID,
		&m.MemberNumber,
		&m.FullName,
		&status,
		&cardStatus,
		&m.CardExpiry,
		&policyID,
		&employerID,
		&m.EnrollmentDate,
		&m.CoverageStart,
		&m.CoverageEnd,
	)
	if err != nil {
		return core.Member{}, fmt.Errorf("get member: %w", err)
	}
	m.Status = core.MemberStatus(status)
	m.CardStatus = core.CardStatus(cardStatus)
	m.PolicyID = deref(policyID)
	m.EmployerID = deref(employerID)
	return m, nil
}

// GetPolicy returns pgx.ErrNoRows (wrapped) if the policy does not exist.
func (r *PostgresRepository) GetPolicy(ctx context.Context, id string) (core.Policy, error) {
	var (
		p          core.Policy
		status     string
		employerID *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, policy_number, name, status, start_date, end_date, employer_id
		FROM policies
		WHERE id = $1
	`, id).Scan(&p.ID, &p.PolicyNumber, &p.Name, &status, &p.StartDate, &p.EndDate, &employerID)
	if err != nil {
		return core.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	p.Status = core.PolicyStatus(status)
	p.EmployerID = deref(employerID)
	return p, nil
}

// ListCoverageRules returns every coverage rule attached to a policy ordered
// by ID. Amount limits are converted to minor units.
func (r *PostgresRepository) ListCoverageRules(ctx context.Context, policyID string) ([]core.CoverageRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, policy_id, service_id, category_id, coverage_percent,
		       (amount_limit * 100)::bigint, visit_limit, requires_pre_approval,
		       waiting_period_days, excluded
		FROM coverage_rules
		WHERE policy_id = $1
		ORDER BY id
	`, policyID)
	if err != nil {
		return nil, fmt.Errorf("list coverage rules: %w", err)
	}
	defer rows.Close()

	rules := make([]core.CoverageRule, 0)
	for rows.Next() {
		var (
			rule                  core.CoverageRule
			serviceID, categoryID *string
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.PolicyID,
			&serviceID,
			&categoryID,
			&rule.CoveragePercent,
			&rule.AmountLimit,
			&rule.VisitLimit,
			&rule.RequiresPreApproval,
			&rule.WaitingPeriodDays,
			&rule.Excluded,
		); err != nil {
			return nil, fmt.Errorf("scan coverage rule: %w", err)
		}
		rule.ServiceID = deref(serviceID)
		rule.CategoryID = deref(categoryID)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list coverage rules rows: %w", err)
	}

	return rules, nil
}

// GetProvider returns pgx.ErrNoRows (wrapped) if the provider does not exist.
func (r *PostgresRepository) GetProvider(ctx context.Context, id string) (core.Provider, error) {
	var (
		p      core.Provider
		status string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, status, in_network, contract_expiry
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &status, &p.InNetwork, &p.ContractExpiry)
	if err != nil {
		return core.Provider{}, fmt.Errorf("get provider: %w", err)
	}
	p.Status = core.ProviderStatus(status)
	return p, nil
}

// GetEmployer returns pgx.ErrNoRows (wrapped) if the employer does not exist.
func (r *PostgresRepository) GetEmployer(ctx context.Context, id string) (core.Employer, error) {
	var (
		e                      core.Employer
		status, contractStatus string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, status, contract_status
		FROM employers
		WHERE id = $1
	`, id).Scan(&e.ID, &e.Name, &status, &contractStatus)
	if err != nil {
		return core.Employer{}, fmt.Errorf("get employer: %w", err)
	}
	e.Status = core.EmployerStatus(status)
	e.ContractStatus = core.ContractStatus(contractStatus)
	return e, nil
}

// GetMedicalServiceByCode returns pgx.ErrNoRows (wrapped) if no service has
// the given code.
func (r *PostgresRepository) GetMedicalServiceByCode(ctx context.Context, code string) (core.MedicalService, error) {
	var s core.MedicalService
	err := r.pool.QueryRow(ctx, `
		SELECT s.id, s.code, s.name, s.category_id, c.name, s.requires_pre_approval
		FROM medical_services s
		JOIN service_categories c ON c.id = s.category_id
		WHERE s.code = $1
	`, code).Scan(&s.ID, &s.Code, &s.Name, &s.CategoryID, &s.CategoryName, &s.RequiresPreApproval)
	if err != nil {
		return core.MedicalService{}, fmt.Errorf("get medical service: %w", err)
	}
	return s, nil
}

// GetUsage sums approved claim lines for the member against a service or a
// whole category within the given period.
func (r *PostgresRepository) GetUsage(ctx context.Context, q UsageQuery) (core.Usage, error) {
	var usage core.Usage
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE((SUM(cl.covered_amount) * 100)::bigint, 0)
		FROM claim_lines cl
		JOIN medical_services s ON s.id = cl.service_id
		WHERE cl.member_id = $1
		  AND cl.policy_id = $2
		  AND cl.status = 'APPROVED'
		  AND ($3 = '' OR cl.service_id = $3)
		  AND ($4 = '' OR s.category_id = $4)
		  AND cl.service_date BETWEEN $5 AND $6
	`, q.MemberID, q.PolicyID, q.ServiceID, q.CategoryID, q.From, q.To).Scan(&usage.Visits, &usage.CoveredAmount)
	if err != nil {
		return core.Usage{}, fmt.Errorf("get usage: %w", err)
	}
	return usage, nil
}

// ValidateAPIKey returns the stored key for a non-revoked key ID. Callers
// compare the secret against KeyHash outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (APIKey, error) {
	var key APIKey
	if err := r.pool.QueryRow(ctx, `
		SELECT id, name, key_hash, username, scope, privileged, created_at
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&key.ID, &key.Name, &key.KeyHash, &key.Username, &key.Scope, &key.Privileged, &key.CreatedAt); err != nil {
		return APIKey{}, fmt.Errorf("validate api key: %w", err)
	}

	return key, nil
}

// CreateAPIKey generates a new API key for the given actor, storing a bcrypt
// hash of the secret. The raw secret is returned exactly once; it cannot be
// retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, key APIKey) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	name := key.Name
	if name == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash, username, scope, privileged)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, keyID, name, string(hash), key.Username, key.Scope, key.Privileged)
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// RevokeAPIKey sets revoked_at on an active key. Returns pgx.ErrNoRows
// (wrapped) if the key does not exist or is already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys
		SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRowsAffected(tag, "revoke api key")
}

func requireRowsAffected(tag pgconn.CommandTag, op string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
