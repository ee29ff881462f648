package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/covercheck/internal/core"
)

// AuditRecord is one immutable row of eligibility_audit: the request inputs,
// the decision and its snapshot, flattened.
type AuditRecord struct {
	ID             int64      `json:"id"`
	RequestID      string     `json:"request_id"`
	EvaluatedAt    time.Time  `json:"evaluated_at"`
	MemberID       string     `json:"member_id"`
	ProviderID     string     `json:"provider_id,omitempty"`
	ServiceCode    string     `json:"service_code,omitempty"`
	ServiceDate    *time.Time `json:"service_date,omitempty"`
	RawServiceDate string     `json:"raw_service_date,omitempty"`

	Actor  core.Actor      `json:"actor"`
	Client core.ClientInfo `json:"client"`

	Eligible       bool                `json:"eligible"`
	Status         core.Status         `json:"status"`
	Code           core.ReasonCode     `json:"code"`
	Reasons        []core.ReasonDetail `json:"reasons"`
	RulesEvaluated int                 `json:"rules_evaluated"`
	Elapsed        time.Duration       `json:"elapsed_ns"`

	Snapshot  core.Snapshot `json:"snapshot"`
	CreatedAt time.Time     `json:"created_at"`
}

const auditColumns = `
	id, request_id, evaluated_at, member_id, provider_id, service_code, service_date, raw_service_date,
	actor_user_id, actor_username, actor_scope, actor_privileged,
	client_ip, client_user_agent, client_browser, client_os, client_device,
	eligible, status, code, reasons, rules_evaluated, elapsed_us,
	member_number, member_name, member_status, card_status, coverage_start, coverage_end,
	policy_id, policy_number, policy_name, policy_status, policy_start, policy_end,
	employer_id, employer_name, provider_name, provider_status, provider_in_network,
	service_name, category_name, coverage_percent, created_at`

// InsertAuditRecord appends a record. A second insert for the same request ID
// fails with ErrDuplicateRequestID.
func (r *PostgresRepository) InsertAuditRecord(ctx context.Context, rec AuditRecord) error {
	reasonsJSON, err := marshalReasons(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal audit reasons: %w", err)
	}

	s := rec.Snapshot
	_, err = r.pool.Exec(ctx, `
		INSERT INTO eligibility_audit (
			request_id, evaluated_at, member_id, provider_id, service_code, service_date, raw_service_date,
			actor_user_id, actor_username, actor_scope, actor_privileged,
			client_ip, client_user_agent, client_browser, client_os, client_device,
			eligible, status, code, reasons, rules_evaluated, elapsed_us,
			member_number, member_name, member_status, card_status, coverage_start, coverage_end,
			policy_id, policy_number, policy_name, policy_status, policy_start, policy_end,
			employer_id, employer_name, provider_name, provider_status, provider_in_network,
			service_name, category_name, coverage_percent
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22,
			$23, $24, $25, $26, $27, $28,
			$29, $30, $31, $32, $33, $34,
			$35, $36, $37, $38, $39,
			$40, $41, $42
		)
	`,
		rec.RequestID, rec.EvaluatedAt, rec.MemberID, rec.ProviderID, rec.ServiceCode, rec.ServiceDate, rec.RawServiceDate,
		rec.Actor.UserID, rec.Actor.Username, rec.Actor.Scope, rec.Actor.Privileged,
		rec.Client.IP, rec.Client.UserAgent, rec.Client.Browser, rec.Client.OS, rec.Client.Device,
		rec.Eligible, string(rec.Status), string(rec.Code), reasonsJSON, rec.RulesEvaluated, rec.Elapsed.Microseconds(),
		s.MemberNumber, s.MemberName, s.MemberStatus, s.CardStatus, s.CoverageStart, s.CoverageEnd,
		s.PolicyID, s.PolicyNumber, s.PolicyName, s.PolicyStatus, s.PolicyStart, s.PolicyEnd,
		s.EmployerID, s.EmployerName, s.ProviderName, s.ProviderStatus, s.ProviderInNetwork,
		s.ServiceName, s.CategoryName, s.CoveragePercent,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert audit record %s: %w", rec.RequestID, ErrDuplicateRequestID)
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// GetAuditRecord returns pgx.ErrNoRows (wrapped) if no record exists for the
// request ID.
func (r *PostgresRepository) GetAuditRecord(ctx context.Context, requestID string) (AuditRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM eligibility_audit WHERE request_id = $1`, requestID)
	rec, err := scanAuditRecord(row)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("get audit record: %w", err)
	}
	return rec, nil
}

// ListAuditRecordsByMember returns a member's most recent records, newest first.
func (r *PostgresRepository) ListAuditRecordsByMember(ctx context.Context, memberID string, limit int) ([]AuditRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+auditColumns+`
		FROM eligibility_audit
		WHERE member_id = $1
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $2
	`, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	records := make([]AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit records rows: %w", err)
	}
	return records, nil
}

func scanAuditRecord(row pgx.Row) (AuditRecord, error) {
	var (
		rec         AuditRecord
		status      string
		code        string
		reasonsJSON json.RawMessage
		elapsedUS   int64
	)
	s := &rec.Snapshot
	if err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.EvaluatedAt, &rec.MemberID, &rec.ProviderID, &rec.ServiceCode, &rec.ServiceDate, &rec.RawServiceDate,
		&rec.Actor.UserID, &rec.Actor.Username, &rec.Actor.Scope, &rec.Actor.Privileged,
		&rec.Client.IP, &rec.Client.UserAgent, &rec.Client.Browser, &rec.Client.OS, &rec.Client.Device,
		&rec.Eligible, &status, &code, &reasonsJSON, &rec.RulesEvaluated, &elapsedUS,
		&s.MemberNumber, &s.MemberName, &s.MemberStatus, &s.CardStatus, &s.CoverageStart, &s.CoverageEnd,
		&s.PolicyID, &s.PolicyNumber, &s.PolicyName, &s.PolicyStatus, &s.PolicyStart, &s.PolicyEnd,
		&s.EmployerID, &s.EmployerName, &s.ProviderName, &s.ProviderStatus, &s.ProviderInNetwork,
		&s.ServiceName, &s.CategoryName, &s.CoveragePercent, &rec.CreatedAt,
	); err != nil {
		return AuditRecord{}, err
	}

	rec.Status = core.Status(status)
	rec.Code = core.ReasonCode(code)
	rec.Elapsed = time.Duration(elapsedUS) * time.Microsecond
	if err := json.Unmarshal(reasonsJSON, &rec.Reasons); err != nil {
		return AuditRecord{}, fmt.Errorf("decode reasons: %w", err)
	}
	s.MemberID = rec.MemberID
	s.ProviderID = rec.ProviderID
	s.ServiceCode = rec.ServiceCode
	return rec, nil
}

// marshalReasons encodes reasons for the JSONB column. A nil slice is stored
// as an empty array so readers never see null.
func marshalReasons(reasons []core.ReasonDetail) ([]byte, error) {
	if reasons == nil {
		reasons = []core.ReasonDetail{}
	}
	return json.Marshal(reasons)
}
