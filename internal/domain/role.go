package domain

// Role names carried in the portal-issued JWT.
const (
	RoleAdmin   = "admin"
	RoleStudent = "student"
	RoleCompany = "company"
)
