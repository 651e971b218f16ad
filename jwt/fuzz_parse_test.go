package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

// FuzzParsePending feeds arbitrary strings to the parser. Invalid input must
// be rejected without panicking.
func FuzzParsePending(f *testing.F) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		f.Fatal(err)
	}
	mgr, err := NewManager(Config{
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "fuzz-test",
		Leeway:        30 * time.Second,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub},
	})
	if err != nil {
		f.Fatal(err)
	}

	valid, err := mgr.CreatePending("uid1", "pid1", time.Now().Add(5*time.Minute))
	if err != nil {
		f.Fatal(err)
	}

	f.Add(valid)
	f.Add("")
	f.Add("a.b.c")
	f.Add("eyJhbGciOiJub25lIn0.e30.")
	f.Add(valid + "x")

	f.Fuzz(func(t *testing.T, token string) {
		claims, err := mgr.ParsePending(token)
		if err == nil && (claims.UID == "" || claims.PID == "") {
			t.Fatalf("accepted token without subject: %q", token)
		}
	})
}
