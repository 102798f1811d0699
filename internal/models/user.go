package models

import "time"

type User struct {
	ID          int64      `json:"id" example:"1"`                      // User ID
	PhoneNumber string     `json:"phoneNumber" example:"+254712345678"` // User phone number
	Email       string     `json:"email" example:"user@example.com"`    // User email
	FirstName   string     `json:"firstName" example:"Wanjiku"`         // User first name
	LastName    string     `json:"lastName" example:"Kamau"`            // User last name
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
