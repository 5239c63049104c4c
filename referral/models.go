package referral

import (
	"time"

	"agreementflow/workflow"
)

// Agreement records who takes part in an agreement's workflow. ReferrerID is
// set only when a referrer introduced the parties.
type Agreement struct {
	ID             string
	OperatorID     string
	CounterpartyID string
	ReferrerID     *string
	CreatedAt      time.Time
}

// HasReferrer reports whether the referrer takes part in review and signatures.
func (a Agreement) HasReferrer() bool {
	return a.ReferrerID != nil && *a.ReferrerID != ""
}

// RoleOf returns the workflow role userID holds on the agreement.
func (a Agreement) RoleOf(userID string) (workflow.Role, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == a.OperatorID:
		return workflow.RoleOperator, true
	case userID == a.CounterpartyID:
		return workflow.RoleCounterparty, true
	case a.HasReferrer() && userID == *a.ReferrerID:
		return workflow.RoleReferrer, true
	default:
		return "", false
	}
}

type Filters struct {
	UserID    string
	Page      int
	PageSize  int
	SortOrder string
}
