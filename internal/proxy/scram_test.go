package proxy

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// scramClientFinal computes the client-final-message for a scripted
// exchange, the way a real driver would.
func scramClientFinal(t *testing.T, password, clientFirstBare, serverFirst string) (final string, serverSig []byte) {
	t.Helper()

	var combinedNonce, saltB64 string
	var iterations int
	for _, attr := range strings.Split(serverFirst, ",") {
		switch {
		case strings.HasPrefix(attr, "r="):
			combinedNonce = attr[2:]
		case strings.HasPrefix(attr, "s="):
			saltB64 = attr[2:]
		case strings.HasPrefix(attr, "i="):
			n, err := strconv.Atoi(attr[2:])
			require.NoError(t, err)
			iterations = n
		}
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	require.NoError(t, err)

	salted := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(salted, []byte("Server Key"))

	withoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,")) + ",r=" + combinedNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + withoutProof
	proof := xorBytes(clientKey, hmacSHA256(storedKey, []byte(authMessage)))

	final = withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	serverSig = hmacSHA256(serverKey, []byte(authMessage))
	return final, serverSig
}

func TestScramExchange(t *testing.T) {
	v := deriveVerifier("sekret", []byte("0123456789abcdef"), 4096)
	srv := newScramServer(v)

	clientFirstBare := "n=alice,r=clientnonce01234"
	serverFirst, err := srv.HandleClientFirst([]byte("n," + "," + clientFirstBare))
	require.NoError(t, err)
	assert.Contains(t, string(serverFirst), "i=4096")
	assert.True(t, strings.HasPrefix(string(serverFirst), "r=clientnonce01234"),
		"combined nonce must extend the client nonce: %s", serverFirst)

	final, wantSig := scramClientFinal(t, "sekret", clientFirstBare, string(serverFirst))
	serverFinal, err := srv.HandleClientFinal([]byte(final))
	require.NoError(t, err)
	assert.Equal(t, "v="+base64.StdEncoding.EncodeToString(wantSig), string(serverFinal))
}

func TestScramWrongPassword(t *testing.T) {
	v := deriveVerifier("sekret", []byte("0123456789abcdef"), 4096)
	srv := newScramServer(v)

	clientFirstBare := "n=alice,r=clientnonce01234"
	serverFirst, err := srv.HandleClientFirst([]byte("n,," + clientFirstBare))
	require.NoError(t, err)

	final, _ := scramClientFinal(t, "wrong", clientFirstBare, string(serverFirst))
	_, err = srv.HandleClientFinal([]byte(final))
	require.ErrorIs(t, err, errAuthFailed)
}

func TestScramChannelBindingRejected(t *testing.T) {
	v := deriveVerifier("sekret", []byte("salt"), 4096)
	srv := newScramServer(v)

	_, err := srv.HandleClientFirst([]byte("p=tls-server-end-point,,n=alice,r=nonce"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel binding")
}

func TestScramNonceMismatch(t *testing.T) {
	v := deriveVerifier("sekret", []byte("salt"), 4096)
	srv := newScramServer(v)

	clientFirstBare := "n=alice,r=clientnonce01234"
	_, err := srv.HandleClientFirst([]byte("n,," + clientFirstBare))
	require.NoError(t, err)

	c := base64.StdEncoding.EncodeToString([]byte("n,,"))
	p := base64.StdEncoding.EncodeToString(make([]byte, 32))
	_, err = srv.HandleClientFinal([]byte(fmt.Sprintf("c=%s,r=forgednonce,p=%s", c, p)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce")
}

func TestDeriveVerifierRoundTrip(t *testing.T) {
	s, err := DeriveVerifier("hunter2", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s, "SCRAM-SHA-256$4096:"))

	v, err := parseVerifier(s)
	require.NoError(t, err)
	assert.Equal(t, DefaultScramIterations, v.Iterations)
	assert.Len(t, v.Salt, 16)
	assert.Len(t, v.StoredKey, sha256.Size)
	assert.Len(t, v.ServerKey, sha256.Size)

	// The parsed verifier must accept a proof for the same password.
	srv := newScramServer(v)
	clientFirstBare := "n=bob,r=nonceAAAA"
	serverFirst, err := srv.HandleClientFirst([]byte("y,," + clientFirstBare))
	require.NoError(t, err)

	// gs2-flag y round-trips through the channel binding check.
	var combinedNonce string
	for _, attr := range strings.Split(string(serverFirst), ",") {
		if strings.HasPrefix(attr, "r=") {
			combinedNonce = attr[2:]
		}
	}
	salt := v.Salt
	salted := pbkdf2.Key([]byte("hunter2"), salt, v.Iterations, 32, sha256.New)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	withoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte("y,,")) + ",r=" + combinedNonce
	authMessage := clientFirstBare + "," + string(serverFirst) + "," + withoutProof
	proof := xorBytes(clientKey, hmacSHA256(storedKey, []byte(authMessage)))

	_, err = srv.HandleClientFinal([]byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)))
	require.NoError(t, err)
}

func TestParseVerifierRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"md5abcdef",
		"SCRAM-SHA-256$notanumber:c2FsdA==$a:b",
		"SCRAM-SHA-256$4096:!!$a:b",
		"SCRAM-SHA-256$4096:c2FsdA==",
	}
	for _, in := range cases {
		_, err := parseVerifier(in)
		assert.Error(t, err, "input %q", in)
	}
}
