package middleware

import (
	"net/http"

	goMFA "github.com/MrEthical07/goMFA"
)

// RequirePendingToken returns middleware that accepts any validly signed,
// unexpired pending-auth token. It never touches the pending store.
func RequirePendingToken(engine *goMFA.Engine) func(http.Handler) http.Handler {
	return Guard(engine, ModeTokenOnly)
}

// RequirePendingSession is RequirePendingToken plus a pending store lookup,
// so consumed, locked and expired sessions are rejected before the handler.
func RequirePendingSession(engine *goMFA.Engine) func(http.Handler) http.Handler {
	return Guard(engine, ModeStrict)
}
