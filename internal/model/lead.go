package model

// Lead is the subset of lead fields the engine reads for templating.
type Lead struct {
	ID        string `json:"id" db:"id" yaml:"id"`
	FirstName string `json:"firstName" db:"first_name" yaml:"first_name"`
	LastName  string `json:"lastName" db:"last_name" yaml:"last_name"`
	Email     string `json:"email" db:"email" yaml:"email"`
	Phone     string `json:"phone" db:"phone" yaml:"phone"`
	Company   string `json:"company" db:"company" yaml:"company"`
}
