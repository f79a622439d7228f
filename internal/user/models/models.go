// Package models defines account records for the stats service.
package models

import "time"

// User is one account that uploads telemetry. The API token authenticates
// uploads; the timezone drives daily bucket boundaries for this account.
type User struct {
	ID          string    `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	DisplayName string    `json:"display_name" db:"display_name"`
	APIToken    string    `json:"-" db:"api_token"`
	Timezone    string    `json:"timezone" db:"timezone"`
	Currency    string    `json:"currency" db:"currency"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Settings are the user-editable preferences.
type Settings struct {
	Timezone string `json:"timezone"`
	Currency string `json:"currency"`
}
