package memd

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SCRAM-SHA1 is a supported, not preferred, mechanism
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SASLMechanism identifies one of the supported authentication
// mechanisms: SCRAM variants, or PLAIN restricted to TLS connections
// (or an explicit opt-in).
type SASLMechanism string

const (
	SASLPlain       SASLMechanism = "PLAIN"
	SASLScramSHA1   SASLMechanism = "SCRAM-SHA1"
	SASLScramSHA256 SASLMechanism = "SCRAM-SHA256"
	SASLScramSHA512 SASLMechanism = "SCRAM-SHA512"
)

func hashForMechanism(m SASLMechanism) (func() hash.Hash, error) {
	switch m {
	case SASLScramSHA1:
		return sha1.New, nil
	case SASLScramSHA256:
		return sha256.New, nil
	case SASLScramSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("memd: %q is not a SCRAM mechanism", m)
	}
}

// EncodePlainAuth builds the PLAIN mechanism's request value:
// "\0username\0password". Callers must only use this over TLS, or
// when plaintext auth has been explicitly allowed.
func EncodePlainAuth(username, password string) []byte {
	return []byte("\x00" + username + "\x00" + password)
}

// ScramClient drives one SCRAM authentication exchange (RFC 5802).
// Construct with NewScramClient, then call Step1/Step2 in order as
// the server's SASL_AUTH/SASL_STEP responses arrive.
type ScramClient struct {
	mechanism   SASLMechanism
	hashFn      func() hash.Hash
	username    string
	password    string
	clientNonce string

	clientFirstBare string
	serverFirst     string
	saltedPassword  []byte
	authMessage     string
}

// NewScramClient builds a client for the given mechanism and
// credentials.
func NewScramClient(mechanism SASLMechanism, username, password string) (*ScramClient, error) {
	hashFn, err := hashForMechanism(mechanism)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, 18)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("memd: generating SCRAM nonce: %w", err)
	}
	return &ScramClient{
		mechanism:   mechanism,
		hashFn:      hashFn,
		username:    username,
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// escapeSaslName applies the SCRAM saslprep-lite escaping of ','/'='
// required by RFC 5802 for the username attribute.
func escapeSaslName(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

// Step1 produces the client-first-message to send as the
// SASL_AUTH request value.
func (c *ScramClient) Step1() []byte {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeSaslName(c.username), c.clientNonce)
	return []byte("n,," + c.clientFirstBare)
}

// Step2 consumes the server-first-message (from a SASL_AUTH response
// carrying StatusAuthContinue) and produces the client-final-message
// to send as the SASL_STEP request value.
func (c *ScramClient) Step2(serverFirstMessage []byte) ([]byte, error) {
	c.serverFirst = string(serverFirstMessage)

	attrs, err := parseScramAttrs(c.serverFirst)
	if err != nil {
		return nil, err
	}
	nonce, salt, iterStr := attrs["r"], attrs["s"], attrs["i"]
	if nonce == "" || salt == "" || iterStr == "" {
		return nil, fmt.Errorf("memd: malformed SCRAM server-first-message")
	}
	if !strings.HasPrefix(nonce, c.clientNonce) {
		return nil, fmt.Errorf("memd: SCRAM server nonce does not extend client nonce")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("memd: invalid SCRAM iteration count %q", iterStr)
	}
	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("memd: invalid SCRAM salt: %w", err)
	}

	c.saltedPassword = pbkdf2.Key([]byte(c.password), saltBytes, iterations, c.hashFn().Size(), c.hashFn)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, nonce)
	c.authMessage = strings.Join([]string{c.clientFirstBare, c.serverFirst, clientFinalWithoutProof}, ",")

	clientKey := hmacSum(c.hashFn, c.saltedPassword, []byte("Client Key"))
	storedKey := hashSum(c.hashFn, clientKey)
	clientSignature := hmacSum(c.hashFn, storedKey, []byte(c.authMessage))

	clientProof := make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}

	final := fmt.Sprintf("%s,p=%s", clientFinalWithoutProof, base64.StdEncoding.EncodeToString(clientProof))
	return []byte(final), nil
}

// Step3 verifies the server-final-message's signature (from a
// SASL_STEP response carrying StatusSuccess) against the expected
// ServerSignature, confirming the server also knows the password.
func (c *ScramClient) Step3(serverFinalMessage []byte) error {
	attrs, err := parseScramAttrs(string(serverFinalMessage))
	if err != nil {
		return err
	}
	gotSig, ok := attrs["v"]
	if !ok {
		return fmt.Errorf("memd: SCRAM server-final-message missing signature")
	}

	serverKey := hmacSum(c.hashFn, c.saltedPassword, []byte("Server Key"))
	serverSignature := hmacSum(c.hashFn, serverKey, []byte(c.authMessage))
	want := base64.StdEncoding.EncodeToString(serverSignature)

	if !hmac.Equal([]byte(want), []byte(gotSig)) {
		return fmt.Errorf("memd: SCRAM server signature mismatch")
	}
	return nil
}

func hmacSum(hashFn func() hash.Hash, key, data []byte) []byte {
	m := hmac.New(hashFn, key)
	m.Write(data)
	return m.Sum(nil)
}

func hashSum(hashFn func() hash.Hash, data []byte) []byte {
	h := hashFn()
	h.Write(data)
	return h.Sum(nil)
}

func parseScramAttrs(s string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		attrs[kv[0]] = kv[1]
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("memd: empty SCRAM message")
	}
	return attrs, nil
}
