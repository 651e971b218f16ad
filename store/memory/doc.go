// Package memory provides an in-process goMFA.CredentialStore for local
// development and tests. Records are lost on restart.
package memory
