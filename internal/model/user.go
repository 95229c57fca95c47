// Package model defines the data structures used throughout the application.
package model

import "time"

// User represents a locally-known account.
//
// Google is the identity provider, so the external identifier is the OpenID
// Connect "sub" claim (an opaque string, stable for the lifetime of the Google
// account). We still generate our own internal string ID (xid) so collaborators
// (internship and to-do tables) reference a key we control.
//
// A User is created exactly once, on the first successful login for a given
// SubjectID, and is never updated by the login flow afterwards.
type User struct {
	ID          string    `json:"id"          db:"id"`
	SubjectID   string    `json:"subjectId"   db:"subject_id"`   // provider "sub" claim
	DisplayName string    `json:"displayName" db:"display_name"` // "name" claim at first login
	CreatedAt   time.Time `json:"createdAt"   db:"created_at"`
}
