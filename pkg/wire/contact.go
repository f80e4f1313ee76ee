package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dtnmesh/pkg/bundle"
)

// Contact is the first frame exchanged on a fresh convergence-layer
// session. It binds the peer's node EID to an ed25519 public key with a
// fresh nonce and a timestamp, so a session's peer identity cannot be
// forged by address spoofing alone.
type Contact struct {
	Node      bundle.EID `cbor:"1,keyasint" json:"node"`
	Alg       string     `cbor:"2,keyasint" json:"alg"`
	PubKey    []byte     `cbor:"3,keyasint" json:"pubkey"`
	Nonce     []byte     `cbor:"4,keyasint" json:"nonce"`
	Timestamp int64      `cbor:"5,keyasint" json:"ts_unix_ms"`
	Sig       []byte     `cbor:"6,keyasint" json:"sig"`
}

// BuildContact constructs a contact announcement for node and signs it
// with the given ed25519 private key.
func BuildContact(node bundle.EID, priv ed25519.PrivateKey) (Contact, error) {
	pub := priv.Public().(ed25519.PublicKey)
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Contact{}, err
	}
	c := Contact{
		Node:      node.Node(),
		Alg:       "ed25519",
		PubKey:    append([]byte(nil), pub...),
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
	}
	c.Sig = ed25519.Sign(priv, contactTranscript(c))
	return c, nil
}

// VerifyContact checks signature and freshness and returns the
// announced node EID.
func VerifyContact(c Contact, maxSkew time.Duration) (bundle.EID, error) {
	if c.Alg != "ed25519" {
		return "", fmt.Errorf("unsupported contact alg: %s", c.Alg)
	}
	if len(c.PubKey) != ed25519.PublicKeySize {
		return "", errors.New("bad contact pubkey length")
	}
	if len(c.Sig) != ed25519.SignatureSize {
		return "", errors.New("bad contact signature length")
	}
	if !c.Node.Valid() || c.Node == bundle.NoneEID {
		return "", fmt.Errorf("bad contact node eid: %q", c.Node)
	}
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	now := time.Now().UnixMilli()
	if dt := now - c.Timestamp; dt > int64(maxSkew/time.Millisecond) || dt < -int64(maxSkew/time.Millisecond) {
		return "", errors.New("contact timestamp out of bounds")
	}
	if !ed25519.Verify(ed25519.PublicKey(c.PubKey), contactTranscript(c), c.Sig) {
		return "", errors.New("contact signature invalid")
	}
	return c.Node.Node(), nil
}

// contactTranscript builds the canonical byte string covered by the
// contact signature:
//
//	dtnmesh:contact|v=1|alg=<alg>|ts=<unix_ms>|pub=<b64url>|nonce=<b64url>|node=<eid>
func contactTranscript(c Contact) []byte {
	b64 := base64.RawURLEncoding
	var sb strings.Builder
	sb.Grow(96 + len(c.Node))
	sb.WriteString("dtnmesh:contact|v=1|alg=")
	sb.WriteString(strings.ToLower(strings.TrimSpace(c.Alg)))
	sb.WriteString("|ts=")
	sb.WriteString(strconv.FormatInt(c.Timestamp, 10))
	sb.WriteString("|pub=")
	sb.WriteString(b64.EncodeToString(c.PubKey))
	sb.WriteString("|nonce=")
	sb.WriteString(b64.EncodeToString(c.Nonce))
	sb.WriteString("|node=")
	sb.WriteString(string(c.Node))
	return []byte(sb.String())
}
