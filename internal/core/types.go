package core

import "time"

type MemberStatus string

const (
	MemberActive     MemberStatus = "ACTIVE"
	MemberInactive   MemberStatus = "INACTIVE"
	MemberSuspended  MemberStatus = "SUSPENDED"
	MemberTerminated MemberStatus = "TERMINATED"
)

type CardStatus string

const (
	CardActive  CardStatus = "ACTIVE"
	CardBlocked CardStatus = "BLOCKED"
	CardExpired CardStatus = "EXPIRED"
)

type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "ACTIVE"
	PolicyInactive  PolicyStatus = "INACTIVE"
	PolicySuspended PolicyStatus = "SUSPENDED"
	PolicyExpired   PolicyStatus = "EXPIRED"
	PolicyCancelled PolicyStatus = "CANCELLED"
)

type EmployerStatus string

const (
	EmployerActive   EmployerStatus = "ACTIVE"
	EmployerInactive EmployerStatus = "INACTIVE"
)

type ContractStatus string

const (
	ContractActive    ContractStatus = "ACTIVE"
	ContractSuspended ContractStatus = "SUSPENDED"
)

type ProviderStatus string

const (
	ProviderActive   ProviderStatus = "ACTIVE"
	ProviderInactive ProviderStatus = "INACTIVE"
)

type Member struct {
	ID             string       `json:"id"`
	MemberNumber   string       `json:"member_number"`
	FullName       string       `json:"full_name"`
	Status         MemberStatus `json:"status"`
	CardStatus     CardStatus   `json:"card_status"`
	CardExpiry     *time.Time   `json:"card_expiry,omitempty"`
	PolicyID       string       `json:"policy_id,omitempty"`
	EmployerID     string       `json:"employer_id,omitempty"`
	EnrollmentDate *time.Time   `json:"enrollment_date,omitempty"`
	CoverageStart  *time.Time   `json:"coverage_start,omitempty"`
	CoverageEnd    *time.Time   `json:"coverage_end,omitempty"`
}

type Policy struct {
	ID           string       `json:"id"`
	PolicyNumber string       `json:"policy_number"`
	Name         string       `json:"name"`
	Status       PolicyStatus `json:"status"`
	StartDate    time.Time    `json:"start_date"`
	EndDate      *time.Time   `json:"end_date,omitempty"`
	EmployerID   string       `json:"employer_id,omitempty"`
}

type Employer struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         EmployerStatus `json:"status"`
	ContractStatus ContractStatus `json:"contract_status"`
}

type Provider struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         ProviderStatus `json:"status"`
	InNetwork      bool           `json:"in_network"`
	ContractExpiry *time.Time     `json:"contract_expiry,omitempty"`
}

type MedicalService struct {
	ID                  string `json:"id"`
	Code                string `json:"code"`
	Name                string `json:"name"`
	CategoryID          string `json:"category_id"`
	CategoryName        string `json:"category_name,omitempty"`
	RequiresPreApproval bool   `json:"requires_pre_approval"`
}

// CoverageRule is a stored coverage row. Exactly one of ServiceID or
// CategoryID is set. AmountLimit is in minor units.
type CoverageRule struct {
	ID                  int64  `json:"id"`
	PolicyID            string `json:"policy_id"`
	ServiceID           string `json:"service_id,omitempty"`
	CategoryID          string `json:"category_id,omitempty"`
	CoveragePercent     int    `json:"coverage_percent"`
	AmountLimit         *int64 `json:"amount_limit,omitempty"`
	VisitLimit          *int   `json:"visit_limit,omitempty"`
	RequiresPreApproval bool   `json:"requires_pre_approval"`
	WaitingPeriodDays   int    `json:"waiting_period_days"`
	Excluded            bool   `json:"excluded"`
}

// Usage is what the member has already consumed against a coverage target
// within the current policy period.
type Usage struct {
	Visits        int   `json:"visits"`
	CoveredAmount int64 `json:"covered_amount"`
}

// dateOnly truncates t to midnight UTC of its calendar day.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateOnly exposes calendar-day truncation to callers outside the package.
func DateOnly(t time.Time) time.Time {
	return dateOnly(t)
}
