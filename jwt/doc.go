// Package jwt signs and verifies short-lived pending-auth tokens. A token
// binds a user to one pending two-factor session and never outlives it.
package jwt
