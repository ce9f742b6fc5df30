package domain

// User is the directory projection this engine reads from the portal's users table.
type User struct {
	UserID    string `json:"id" dynamodbav:"user_id"`
	FirstName string `json:"first_name" dynamodbav:"first_name"`
	LastName  string `json:"last_name" dynamodbav:"last_name"`
	Phone     string `json:"phone,omitempty" dynamodbav:"phone,omitempty"`
	Role      string `json:"role" dynamodbav:"role"`
	CohortID  string `json:"cohort_id,omitempty" dynamodbav:"cohort_id,omitempty"`
	Enable    int    `json:"enable" dynamodbav:"enable"`
}

// RecipientKind selects how a RecipientSpec is resolved to user ids.
type RecipientKind string

const (
	RecipientUser   RecipientKind = "user"
	RecipientCohort RecipientKind = "cohort"
	RecipientRole   RecipientKind = "role"
)

// RecipientSpec addresses a single user, a cohort or every user of a role.
type RecipientSpec struct {
	Kind     RecipientKind `json:"kind" validate:"required,oneof=user cohort role"`
	UserID   string        `json:"user_id,omitempty" validate:"required_if=Kind user"`
	CohortID string        `json:"cohort_id,omitempty" validate:"required_if=Kind cohort"`
	Role     string        `json:"role,omitempty" validate:"required_if=Kind role"`
}
