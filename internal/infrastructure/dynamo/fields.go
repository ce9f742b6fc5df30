package dynamo

// DynamoDB attribute and index names used in expressions across all repos.
// Using constants prevents silent runtime bugs caused by key typos.
const (
	fieldActive          = "active"
	fieldUpdatedAt       = "updated_at"
	fieldEscalationShard = "escalation_shard"
	fieldEscalationDue   = "escalation_due"

	indexUserCreated = "user_id-created_at-index"
	indexEscalation  = "escalation-index"
	indexUser        = "user_id-index"
	indexRole        = "role-index"
	indexCohort      = "cohort_id-index"

	// escalationPending is the single partition of the sparse escalation index.
	escalationPending = "pending"
)
