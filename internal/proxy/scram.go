package proxy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultScramIterations is the PBKDF2 iteration count used when deriving
// a verifier from a plaintext password.
const DefaultScramIterations = 4096

// scramVerifier is the server-side SCRAM-SHA-256 authentication material:
// everything needed to verify a client proof without knowing the
// password.
type scramVerifier struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// DeriveVerifier builds the PostgreSQL rolpassword-style verifier string
// for a plaintext password:
//
//	SCRAM-SHA-256$<iter>:<salt>$<StoredKey>:<ServerKey>
func DeriveVerifier(password string, iterations int) (string, error) {
	if iterations <= 0 {
		iterations = DefaultScramIterations
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	v := deriveVerifier(password, salt, iterations)
	return fmt.Sprintf("SCRAM-SHA-256$%d:%s$%s:%s",
		v.Iterations,
		base64.StdEncoding.EncodeToString(v.Salt),
		base64.StdEncoding.EncodeToString(v.StoredKey),
		base64.StdEncoding.EncodeToString(v.ServerKey)), nil
}

func deriveVerifier(password string, salt []byte, iterations int) scramVerifier {
	salted := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	return scramVerifier{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  sha256Sum(clientKey),
		ServerKey:  hmacSHA256(salted, []byte("Server Key")),
	}
}

// parseVerifier parses the SCRAM-SHA-256$... verifier format.
func parseVerifier(s string) (scramVerifier, error) {
	rest, ok := strings.CutPrefix(s, "SCRAM-SHA-256$")
	if !ok {
		return scramVerifier{}, fmt.Errorf("not a SCRAM-SHA-256 verifier")
	}
	saltPart, keyPart, ok := strings.Cut(rest, "$")
	if !ok {
		return scramVerifier{}, fmt.Errorf("malformed verifier: missing key section")
	}
	iterStr, saltB64, ok := strings.Cut(saltPart, ":")
	if !ok {
		return scramVerifier{}, fmt.Errorf("malformed verifier: missing salt")
	}
	storedB64, serverB64, ok := strings.Cut(keyPart, ":")
	if !ok {
		return scramVerifier{}, fmt.Errorf("malformed verifier: missing server key")
	}

	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return scramVerifier{}, fmt.Errorf("malformed verifier: bad iteration count %q", iterStr)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return scramVerifier{}, fmt.Errorf("malformed verifier: decoding salt: %w", err)
	}
	storedKey, err := base64.StdEncoding.DecodeString(storedB64)
	if err != nil {
		return scramVerifier{}, fmt.Errorf("malformed verifier: decoding stored key: %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(serverB64)
	if err != nil {
		return scramVerifier{}, fmt.Errorf("malformed verifier: decoding server key: %w", err)
	}
	return scramVerifier{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}, nil
}

// scramServer drives one SCRAM-SHA-256 exchange from the server side
// (RFC 5802). Channel binding is not offered; a client demanding it is
// rejected.
type scramServer struct {
	verifier scramVerifier

	gs2Header       string
	clientFirstBare string
	serverFirst     string
	combinedNonce   string
}

func newScramServer(v scramVerifier) *scramServer {
	return &scramServer{verifier: v}
}

// HandleClientFirst parses the client-first-message and returns the
// server-first-message.
func (s *scramServer) HandleClientFirst(msg []byte) ([]byte, error) {
	text := string(msg)

	// gs2-header: "n" (no channel binding), "y" (client could but server
	// did not advertise), or "p=<type>" (demanded). Only "n" and "y" can
	// proceed.
	var rest string
	switch {
	case strings.HasPrefix(text, "p="):
		return nil, fmt.Errorf("channel binding is not supported")
	case strings.HasPrefix(text, "n,"):
		s.gs2Header = "n,,"
		rest = text[2:]
	case strings.HasPrefix(text, "y,"):
		s.gs2Header = "y,,"
		rest = text[2:]
	default:
		return nil, fmt.Errorf("malformed gs2 header")
	}

	// Optional authzid between the two commas.
	authzid, bare, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("malformed client-first-message")
	}
	if authzid != "" {
		s.gs2Header = s.gs2Header[:2] + authzid + ","
	}
	s.clientFirstBare = bare

	var clientNonce string
	for _, attr := range strings.Split(bare, ",") {
		if strings.HasPrefix(attr, "r=") {
			clientNonce = attr[2:]
		}
	}
	if clientNonce == "" {
		return nil, fmt.Errorf("client-first-message has no nonce")
	}

	serverNonce := make([]byte, 18)
	if _, err := rand.Read(serverNonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	s.combinedNonce = clientNonce + base64.StdEncoding.EncodeToString(serverNonce)

	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		s.combinedNonce,
		base64.StdEncoding.EncodeToString(s.verifier.Salt),
		s.verifier.Iterations)
	return []byte(s.serverFirst), nil
}

// HandleClientFinal verifies the client proof and returns the
// server-final-message. A verification failure is an authentication
// failure, not a protocol error.
func (s *scramServer) HandleClientFinal(msg []byte) ([]byte, error) {
	text := string(msg)

	var channelBinding, nonce, proofB64 string
	withoutProof := text
	for _, attr := range strings.Split(text, ",") {
		switch {
		case strings.HasPrefix(attr, "c="):
			channelBinding = attr[2:]
		case strings.HasPrefix(attr, "r="):
			nonce = attr[2:]
		case strings.HasPrefix(attr, "p="):
			proofB64 = attr[2:]
		}
	}
	if i := strings.LastIndex(text, ",p="); i >= 0 {
		withoutProof = text[:i]
	}
	if proofB64 == "" {
		return nil, fmt.Errorf("client-final-message has no proof")
	}

	expectedBinding := base64.StdEncoding.EncodeToString([]byte(s.gs2Header))
	if channelBinding != expectedBinding {
		return nil, fmt.Errorf("channel binding mismatch")
	}
	if nonce != s.combinedNonce {
		return nil, fmt.Errorf("nonce mismatch")
	}

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, fmt.Errorf("decoding client proof: %w", err)
	}
	if len(proof) != len(s.verifier.StoredKey) {
		return nil, fmt.Errorf("client proof has wrong length")
	}

	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + withoutProof
	clientSignature := hmacSHA256(s.verifier.StoredKey, []byte(authMessage))
	clientKey := xorBytes(proof, clientSignature)

	if !hmac.Equal(sha256Sum(clientKey), s.verifier.StoredKey) {
		return nil, errAuthFailed
	}

	serverSignature := hmacSHA256(s.verifier.ServerKey, []byte(authMessage))
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
