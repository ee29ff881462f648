//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/covercheck/internal/core"
	"github.com/matt-riley/covercheck/internal/logging"
	"github.com/matt-riley/covercheck/internal/repository"
	"github.com/matt-riley/covercheck/internal/service"
	"github.com/matt-riley/covercheck/migrations"
)

var testPool *pgxpool.Pool

var evaluationTime = time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "covercheck_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/covercheck_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/covercheck_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, "."); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func newService(t *testing.T, opts ...service.Option) *service.Service {
	t.Helper()

	opts = append([]service.Option{
		service.WithLogger(logging.Discard()),
		service.WithClock(func() time.Time { return evaluationTime }),
	}, opts...)
	svc, err := service.New(newRepo(), opts...)
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	return svc
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// fixture is one employer with an active policy, a member enrolled on it, an
// in-network provider and a consultation service covered at 80%.
type fixture struct {
	EmployerID  string
	PolicyID    string
	MemberID    string
	ProviderID  string
	CategoryID  string
	ServiceID   string
	ServiceCode string
}

func seedFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	id := randID()

	f := fixture{
		EmployerID:  "e-" + id,
		PolicyID:    "p-" + id,
		MemberID:    "m-" + id,
		ProviderID:  "pr-" + id,
		CategoryID:  "c-" + id,
		ServiceID:   "s-" + id,
		ServiceCode: "CONS-" + id,
	}

	statements := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO employers (id, name) VALUES ($1, $2)`, []any{f.EmployerID, "Acme " + id}},
		{`INSERT INTO policies (id, policy_number, name, start_date, end_date, employer_id)
		  VALUES ($1, $2, 'Gold', '2026-01-01', '2026-12-31', $3)`, []any{f.PolicyID, "POL-" + id, f.EmployerID}},
		{`INSERT INTO members (id, member_number, full_name, policy_id, employer_id, enrollment_date, coverage_start)
		  VALUES ($1, $2, 'Ada Lovelace', $3, $4, '2026-01-01', '2026-01-01')`, []any{f.MemberID, "MEM-" + id, f.PolicyID, f.EmployerID}},
		{`INSERT INTO providers (id, name) VALUES ($1, 'City Clinic')`, []any{f.ProviderID}},
		{`INSERT INTO service_categories (id, name) VALUES ($1, $2)`, []any{f.CategoryID, "Outpatient " + id}},
		{`INSERT INTO medical_services (id, code, name, category_id) VALUES ($1, $2, 'Consultation', $3)`, []any{f.ServiceID, f.ServiceCode, f.CategoryID}},
		{`INSERT INTO coverage_rules (policy_id, service_id, coverage_percent, amount_limit, visit_limit)
		  VALUES ($1, $2, 80, 500.00, 2)`, []any{f.PolicyID, f.ServiceID}},
		{`INSERT INTO coverage_rules (policy_id, category_id, coverage_percent) VALUES ($1, $2, 50)`, []any{f.PolicyID, f.CategoryID}},
	}
	for _, stmt := range statements {
		if _, err := testPool.Exec(ctx, stmt.query, stmt.args...); err != nil {
			t.Fatalf("seed fixture: %v", err)
		}
	}

	return f
}

func addClaim(t *testing.T, f fixture, date string, covered float64, status string) {
	t.Helper()
	serviceDate, err := time.Parse(time.DateOnly, date)
	if err != nil {
		t.Fatalf("parse claim date: %v", err)
	}
	_, err = testPool.Exec(context.Background(), `
		INSERT INTO claim_lines (member_id, policy_id, service_id, service_date, billed_amount, covered_amount, status)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
	`, f.MemberID, f.PolicyID, f.ServiceID, serviceDate, covered, status)
	if err != nil {
		t.Fatalf("insert claim line: %v", err)
	}
}

func TestRepositoryLookups(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	f := seedFixture(t)

	t.Run("member", func(t *testing.T) {
		m, err := repo.GetMember(ctx, f.MemberID)
		if err != nil {
			t.Fatalf("GetMember() error = %v", err)
		}
		if m.Status != core.MemberActive || m.CardStatus != core.CardActive {
			t.Fatalf("member status = %s/%s, want ACTIVE/ACTIVE", m.Status, m.CardStatus)
		}
		if m.PolicyID != f.PolicyID || m.EmployerID != f.EmployerID {
			t.Fatalf("member refs = %q/%q, want %q/%q", m.PolicyID, m.EmployerID, f.PolicyID, f.EmployerID)
		}
		if m.EnrollmentDate == nil || m.CardExpiry != nil {
			t.Fatalf("member dates = enrollment %v, card expiry %v", m.EnrollmentDate, m.CardExpiry)
		}
	})

	t.Run("missing member wraps ErrNoRows", func(t *testing.T) {
		_, err := repo.GetMember(ctx, "m-missing-"+randID())
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("GetMember() error = %v, want pgx.ErrNoRows", err)
		}
	})

	t.Run("coverage rules convert amounts to minor units", func(t *testing.T) {
		rules, err := repo.ListCoverageRules(ctx, f.PolicyID)
		if err != nil {
			t.Fatalf("ListCoverageRules() error = %v", err)
		}
		if len(rules) != 2 {
			t.Fatalf("len(rules) = %d, want 2", len(rules))
		}
		serviceRule := rules[0]
		if serviceRule.ServiceID != f.ServiceID || serviceRule.CategoryID != "" {
			t.Fatalf("first rule targets = %q/%q, want service rule", serviceRule.ServiceID, serviceRule.CategoryID)
		}
		if serviceRule.AmountLimit == nil || *serviceRule.AmountLimit != 50000 {
			t.Fatalf("amount limit = %v, want 50000", serviceRule.AmountLimit)
		}
		if serviceRule.VisitLimit == nil || *serviceRule.VisitLimit != 2 {
			t.Fatalf("visit limit = %v, want 2", serviceRule.VisitLimit)
		}
		if rules[1].AmountLimit != nil || rules[1].CategoryID != f.CategoryID {
			t.Fatalf("category rule = %+v, want unlimited category rule", rules[1])
		}
	})

	t.Run("medical service carries category name", func(t *testing.T) {
		svc, err := repo.GetMedicalServiceByCode(ctx, f.ServiceCode)
		if err != nil {
			t.Fatalf("GetMedicalServiceByCode() error = %v", err)
		}
		if svc.ID != f.ServiceID || svc.CategoryID != f.CategoryID || svc.CategoryName == "" {
			t.Fatalf("service = %+v, want seeded service with category", svc)
		}
	})

	t.Run("usage counts approved claims in range", func(t *testing.T) {
		addClaim(t, f, "2026-02-01", 120.50, "APPROVED")
		addClaim(t, f, "2026-02-10", 99.99, "REJECTED")
		addClaim(t, f, "2025-12-31", 80, "APPROVED")

		usage, err := repo.GetUsage(ctx, repository.UsageQuery{
			MemberID:  f.MemberID,
			PolicyID:  f.PolicyID,
			ServiceID: f.ServiceID,
			From:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			To:        time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("GetUsage() error = %v", err)
		}
		if usage.Visits != 1 || usage.CoveredAmount != 12050 {
			t.Fatalf("usage = %+v, want 1 visit and 12050", usage)
		}
	})
}

func TestCheckEligibilityEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	actor := core.Actor{UserID: "key-1", Username: "portal", Privileged: true}
	client := core.ClientInfo{IP: "10.0.0.8", UserAgent: "integration"}

	t.Run("eligible decision is audited", func(t *testing.T) {
		f := seedFixture(t)

		d := svc.CheckEligibility(ctx, service.CheckRequest{
			MemberID:    f.MemberID,
			ProviderID:  f.ProviderID,
			ServiceDate: "2026-03-15",
			ServiceCode: f.ServiceCode,
		}, actor, client)

		if !d.Eligible || d.Code != core.ReasonEligible {
			t.Fatalf("decision = %+v, want eligible", d)
		}
		if d.Coverage == nil || d.Coverage.Percentage != 80 || d.Coverage.Origin != core.OriginService {
			t.Fatalf("coverage = %+v, want the 80%% service rule", d.Coverage)
		}

		rec, err := svc.GetAuditRecord(ctx, d.RequestID, actor)
		if err != nil {
			t.Fatalf("GetAuditRecord() error = %v", err)
		}
		if rec.MemberID != f.MemberID || rec.Code != core.ReasonEligible || !rec.Eligible {
			t.Fatalf("audit record = %+v, want eligible record for member", rec)
		}
		if rec.Actor != actor || rec.Client.IP != client.IP {
			t.Fatalf("audit actor/client = %+v/%+v", rec.Actor, rec.Client)
		}
		if rec.Snapshot.PolicyID != f.PolicyID || rec.Snapshot.MemberName != "Ada Lovelace" {
			t.Fatalf("snapshot = %+v, want policy and member facts", rec.Snapshot)
		}
		if rec.ServiceDate == nil || rec.ServiceDate.Format(time.DateOnly) != "2026-03-15" {
			t.Fatalf("service date = %v, want 2026-03-15", rec.ServiceDate)
		}

		records, err := svc.ListAuditRecords(ctx, f.MemberID, 10, actor)
		if err != nil {
			t.Fatalf("ListAuditRecords() error = %v", err)
		}
		if len(records) != 1 || records[0].RequestID != d.RequestID {
			t.Fatalf("records = %+v, want the one decision", records)
		}
	})

	t.Run("terminated member short circuits", func(t *testing.T) {
		f := seedFixture(t)
		if _, err := testPool.Exec(ctx, `UPDATE members SET status = 'TERMINATED' WHERE id = $1`, f.MemberID); err != nil {
			t.Fatalf("terminate member: %v", err)
		}

		d := svc.CheckEligibility(ctx, service.CheckRequest{MemberID: f.MemberID, ServiceDate: "2026-03-15"}, actor, client)
		if d.Eligible || d.Code != core.ReasonMemberTerminated || len(d.Reasons) != 1 {
			t.Fatalf("decision = %+v, want a single MEMBER_TERMINATED reason", d)
		}

		rec, err := svc.GetAuditRecord(ctx, d.RequestID, actor)
		if err != nil {
			t.Fatalf("GetAuditRecord() error = %v", err)
		}
		if rec.Eligible || len(rec.Reasons) != 1 || rec.Reasons[0].Code != core.ReasonMemberTerminated {
			t.Fatalf("audit record reasons = %+v", rec.Reasons)
		}
	})

	t.Run("visit limit exhausted by approved claims", func(t *testing.T) {
		f := seedFixture(t)
		addClaim(t, f, "2026-02-01", 40, "APPROVED")
		addClaim(t, f, "2026-02-15", 40, "APPROVED")

		d := svc.CheckEligibility(ctx, service.CheckRequest{
			MemberID:    f.MemberID,
			ServiceDate: "2026-03-15",
			ServiceCode: f.ServiceCode,
		}, actor, client)
		if d.Eligible || d.Code != core.ReasonCoverageLimitExhausted {
			t.Fatalf("decision = %+v, want COVERAGE_LIMIT_EXHAUSTED", d)
		}
	})

	t.Run("out of network provider is a warning", func(t *testing.T) {
		f := seedFixture(t)
		if _, err := testPool.Exec(ctx, `UPDATE providers SET in_network = FALSE WHERE id = $1`, f.ProviderID); err != nil {
			t.Fatalf("update provider: %v", err)
		}

		d := svc.CheckEligibility(ctx, service.CheckRequest{
			MemberID:    f.MemberID,
			ProviderID:  f.ProviderID,
			ServiceDate: "2026-03-15",
		}, actor, client)
		if !d.Eligible || d.Status != core.StatusWarning || d.Code != core.ReasonEligibleWithWarnings {
			t.Fatalf("decision = %+v, want eligible with warnings", d)
		}
	})

	t.Run("scoped actor cannot check another employer", func(t *testing.T) {
		f := seedFixture(t)
		scoped := core.Actor{UserID: "key-2", Username: "hr", Scope: "e-other"}

		d := svc.CheckEligibility(ctx, service.CheckRequest{MemberID: f.MemberID, ServiceDate: "2026-03-15"}, scoped, client)
		if d.Eligible || d.Code != core.ReasonMemberOutOfScope {
			t.Fatalf("decision = %+v, want MEMBER_OUT_OF_SCOPE", d)
		}
	})
}

func TestResolveCoverage(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	f := seedFixture(t)

	result, err := svc.ResolveCoverage(ctx, f.PolicyID, f.ServiceCode)
	if err != nil {
		t.Fatalf("ResolveCoverage() error = %v", err)
	}
	if result.Term.Percentage != 80 || result.Term.TargetID != f.ServiceID {
		t.Fatalf("term = %+v, want service level 80%%", result.Term)
	}

	_, err = svc.ResolveCoverage(ctx, "p-missing-"+randID(), f.ServiceCode)
	if !errors.Is(err, service.ErrPolicyNotFound) {
		t.Fatalf("ResolveCoverage(missing policy) error = %v, want ErrPolicyNotFound", err)
	}
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()

	rec := repository.AuditRecord{
		RequestID:   "req-" + randID(),
		EvaluatedAt: evaluationTime,
		MemberID:    "m-" + randID(),
		Eligible:    false,
		Status:      core.StatusNotEligible,
		Code:        core.ReasonInvalidRequest,
		Reasons:     []core.ReasonDetail{{Code: core.ReasonInvalidRequest, Message: "Invalid request", Hard: true}},
	}

	t.Run("duplicate request id is rejected", func(t *testing.T) {
		if err := repo.InsertAuditRecord(ctx, rec); err != nil {
			t.Fatalf("InsertAuditRecord() error = %v", err)
		}
		err := repo.InsertAuditRecord(ctx, rec)
		if !errors.Is(err, repository.ErrDuplicateRequestID) {
			t.Fatalf("InsertAuditRecord(duplicate) error = %v, want ErrDuplicateRequestID", err)
		}
	})

	t.Run("rows are append-only", func(t *testing.T) {
		if _, err := testPool.Exec(ctx, `UPDATE eligibility_audit SET eligible = TRUE WHERE request_id = $1`, rec.RequestID); err == nil {
			t.Fatal("UPDATE eligibility_audit succeeded, want trigger error")
		}
		if _, err := testPool.Exec(ctx, `DELETE FROM eligibility_audit WHERE request_id = $1`, rec.RequestID); err == nil {
			t.Fatal("DELETE eligibility_audit succeeded, want trigger error")
		}
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := repo.GetAuditRecord(ctx, "req-missing-"+randID())
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("GetAuditRecord() error = %v, want pgx.ErrNoRows", err)
		}
	})
}

func TestAPIKeyValidation(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()

	id, secret, err := repo.CreateAPIKey(ctx, repository.APIKey{Username: "portal", Scope: "e-1"})
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}

	t.Run("validate correct secret", func(t *testing.T) {
		key, err := repo.ValidateAPIKey(ctx, id)
		if err != nil {
			t.Fatalf("ValidateAPIKey() error = %v", err)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
			t.Fatalf("stored hash does not match secret: %v", err)
		}
		if key.Username != "portal" || key.Scope != "e-1" || key.Privileged {
			t.Fatalf("key = %+v, want scoped portal key", key)
		}
	})

	t.Run("validate nonexistent key returns error", func(t *testing.T) {
		_, err := repo.ValidateAPIKey(ctx, "nonexistent-"+randID())
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("ValidateAPIKey() error = %v, want pgx.ErrNoRows", err)
		}
	})

	t.Run("revoked key fails validation", func(t *testing.T) {
		if err := repo.RevokeAPIKey(ctx, id); err != nil {
			t.Fatalf("RevokeAPIKey() error = %v", err)
		}
		if _, err := repo.ValidateAPIKey(ctx, id); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("ValidateAPIKey(revoked) error = %v, want pgx.ErrNoRows", err)
		}
		if err := repo.RevokeAPIKey(ctx, id); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("RevokeAPIKey(twice) error = %v, want pgx.ErrNoRows", err)
		}
	})
}
