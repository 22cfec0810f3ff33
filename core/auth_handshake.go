package core

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"
)

// Claim is the identity assertion a client presents during the auth
// handshake: who it is, proof it holds the private key, and when the
// claim was made. Challenge payloads are opaque bytes; servers decide
// the scheme, this layer only signs what it is given.
type Claim struct {
	IdentityID string
	PublicKey  ed25519.PublicKey
	Timestamp  int64
	Signature  []byte
}

// canonicalClaimBody is what gets signed: identity id, hex public key
// and timestamp joined by newlines, so the signature covers exactly what
// the server can independently reconstruct.
func canonicalClaimBody(identityID string, pub ed25519.PublicKey, timestamp int64) []byte {
	body := fmt.Sprintf("%s\n%s\n%d", identityID, hex.EncodeToString(pub), timestamp)
	return []byte(body)
}

// SignClaim produces a Claim proving control of id's private key at the
// current time.
func SignClaim(id *Identity) Claim {
	ts := time.Now().Unix()
	body := canonicalClaimBody(id.IdentityID, id.PublicKey, ts)
	sig := ed25519.Sign(id.PrivateKey, body)
	return Claim{IdentityID: id.IdentityID, PublicKey: id.PublicKey, Timestamp: ts, Signature: sig}
}

// VerifyClaim checks that c's signature matches its own identity id,
// public key and timestamp, and that the identity id is in fact derived
// from the public key (preventing a claim asserting someone else's id
// while signing with an unrelated key).
func VerifyClaim(c Claim, maxAge time.Duration) error {
	if identityIDFromPublicKey(c.PublicKey) != c.IdentityID {
		return NewError(ErrSignatureInvalid, "claim identity id does not match public key")
	}
	if maxAge > 0 {
		age := time.Since(time.Unix(c.Timestamp, 0))
		if age > maxAge || age < -maxAge {
			return NewError(ErrSignatureInvalid, "claim timestamp outside acceptable window")
		}
	}
	body := canonicalClaimBody(c.IdentityID, c.PublicKey, c.Timestamp)
	if !ed25519.Verify(c.PublicKey, body, c.Signature) {
		return NewError(ErrSignatureInvalid, "claim signature does not verify")
	}
	return nil
}

// ChallengeResponse signs an opaque server-issued challenge, proving
// freshness beyond what the claim's own timestamp offers.
type ChallengeResponse struct {
	Challenge []byte
	Signature []byte
}

// RespondToChallenge signs challenge with id's private key.
func RespondToChallenge(id *Identity, challenge []byte) ChallengeResponse {
	return ChallengeResponse{Challenge: challenge, Signature: ed25519.Sign(id.PrivateKey, challenge)}
}

// VerifyChallengeResponse checks resp against the public key that
// supposedly produced it.
func VerifyChallengeResponse(pub ed25519.PublicKey, resp ChallengeResponse) error {
	if !ed25519.Verify(pub, resp.Challenge, resp.Signature) {
		return NewError(ErrSignatureInvalid, "challenge response does not verify")
	}
	return nil
}

// HandshakeResult bundles what a successful handshake yields: the token
// issued by the server and, for a challenge-response handshake, the
// response that was sent.
type HandshakeResult struct {
	Claim             Claim
	ChallengeResponse *ChallengeResponse
	Token             Token
}

// HandshakeTransport is the narrow seam AuthHandshake needs from the
// connection layer: send a claim (and, for servers that issue one, a
// challenge) and get back either a token or a challenge to answer.
// Concrete wiring lives in the connection manager; this package only
// shapes the messages.
type HandshakeTransport interface {
	SendClaim(Claim) (challenge []byte, token *Token, err error)
	SendChallengeResponse(ChallengeResponse) (Token, error)
}

// Handshake runs the full claim -> (optional challenge) -> token
// exchange against t.
func Handshake(id *Identity, t HandshakeTransport) (HandshakeResult, error) {
	claim := SignClaim(id)
	challenge, token, err := t.SendClaim(claim)
	if err != nil {
		return HandshakeResult{}, WrapError(ErrUnauthenticated, "send claim", err)
	}
	if token != nil {
		return HandshakeResult{Claim: claim, Token: *token}, nil
	}
	if len(challenge) == 0 {
		return HandshakeResult{}, NewError(ErrUnauthenticated, "server returned neither token nor challenge")
	}
	resp := RespondToChallenge(id, challenge)
	tok, err := t.SendChallengeResponse(resp)
	if err != nil {
		return HandshakeResult{}, WrapError(ErrUnauthenticated, "send challenge response", err)
	}
	return HandshakeResult{Claim: claim, ChallengeResponse: &resp, Token: tok}, nil
}
