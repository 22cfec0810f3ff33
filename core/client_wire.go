package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
)

// wireKind tags the discrete message kinds any transport must deliver:
// SubscribeAck, InitialData, TableDelta, ReducerResponse, Error,
// Heartbeat, plus the outbound requests and auth exchange. This envelope
// is the default shape the facade's WSTransport-backed connection
// speaks; other transports may frame differently behind the same seams.
type wireKind string

const (
	wireSubscribeAck    wireKind = "SubscribeAck"
	wireInitialData     wireKind = "InitialData"
	wireTableDelta      wireKind = "TableDelta"
	wireReducerCall     wireKind = "ReducerCall"
	wireReducerResponse wireKind = "ReducerResponse"
	wireAuthClaim       wireKind = "AuthClaim"
	wireAuthChallenge   wireKind = "AuthChallenge"
	wireAuthToken       wireKind = "AuthToken"
	wireError           wireKind = "Error"
	wireHeartbeat       wireKind = "Heartbeat"
	wireSubscribe       wireKind = "Subscribe"
	wireUnsubscribe     wireKind = "Unsubscribe"
)

// deltaKind distinguishes the three TableDelta shapes.
type deltaKind string

const (
	deltaInsert deltaKind = "insert"
	deltaUpdate deltaKind = "update"
	deltaDelete deltaKind = "delete"
)

// wireEnvelope is the single message shape every frame decodes to before
// dispatch. Only the fields relevant to Kind are populated.
type wireEnvelope struct {
	Kind      wireKind   `json:"kind"`
	Table     string     `json:"table,omitempty"`
	TypeName  string     `json:"type_name,omitempty"`
	Delta     deltaKind  `json:"delta,omitempty"`
	Row       TableRow   `json:"row,omitempty"`
	Rows      []TableRow `json:"rows,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Reducer   string     `json:"reducer,omitempty"`
	Args      any        `json:"args,omitempty"`
	Success   bool       `json:"success,omitempty"`
	Payload   any        `json:"payload,omitempty"`
	Error     string     `json:"error,omitempty"`
	IdentityID string    `json:"identity_id,omitempty"`
	PublicKey string     `json:"public_key,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
	Signature string     `json:"signature,omitempty"`
	Challenge string     `json:"challenge,omitempty"`
	Token     *Token     `json:"token,omitempty"`
}

// connWire adapts a live connection's send function to the
// SubscriptionTransport/ReducerTransport seams, encoding every outbound
// envelope as JSON. Framing/dialect adaptation of the *rows themselves*
// happens in the caller via the serialization pipeline before they are
// attached to an envelope; the envelope's own shape is dialect-agnostic
// transport plumbing, not a subscribed table's payload.
type connWire struct {
	send func(ctx context.Context, frame []byte) error
}

// decodeEnvelope parses a raw inbound frame into its envelope shape. The
// envelope's own framing is plain JSON regardless of the configured
// serialization Format; only table row payloads flow through the
// pipeline's codec/adapter stages.
func decodeEnvelope(frame []byte) (wireEnvelope, error) {
	var env wireEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return wireEnvelope{}, WrapError(ErrDecode, "decode wire envelope", err)
	}
	return env, nil
}

// mustMarshal re-serializes an already-decoded envelope field (a
// map[string]any produced by encoding/json) back to bytes so it can be
// handed to the pipeline's codec, which expects raw wire bytes rather
// than a pre-decoded Go value. Row/Rows fields always round-trip through
// encoding/json cleanly since they were themselves just unmarshaled by
// it, so this cannot fail in practice; a failure here indicates a
// corrupt in-process value, not bad network input.
func mustMarshal(v any) []byte {
	blob, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return blob
}

func (w *connWire) sendEnvelope(ctx context.Context, env wireEnvelope) error {
	blob, err := json.Marshal(env)
	if err != nil {
		return WrapError(ErrValidation, "marshal wire envelope", err)
	}
	return w.send(ctx, blob)
}

func (w *connWire) SendSubscribe(ctx context.Context, table string) error {
	return w.sendEnvelope(ctx, wireEnvelope{Kind: wireSubscribe, Table: table})
}

func (w *connWire) SendUnsubscribe(ctx context.Context, table string) error {
	return w.sendEnvelope(ctx, wireEnvelope{Kind: wireUnsubscribe, Table: table})
}

func (w *connWire) SendReducerCall(ctx context.Context, requestID, name string, args any) error {
	return w.sendEnvelope(ctx, wireEnvelope{Kind: wireReducerCall, RequestID: requestID, Reducer: name, Args: args})
}

// authWire implements HandshakeTransport. Its interface (see
// auth_handshake.go) predates context plumbing, so the context for a
// given exchange is carried on the struct itself, valid only for the
// single in-flight Authenticate call that constructs it — the facade
// never shares an authWire across concurrent handshakes.
type authWire struct {
	ctx        context.Context
	wire       *connWire
	responses  <-chan wireEnvelope
}

func (a *authWire) SendClaim(claim Claim) ([]byte, *Token, error) {
	env := wireEnvelope{
		Kind: wireAuthClaim, IdentityID: claim.IdentityID,
		PublicKey: base64.StdEncoding.EncodeToString(claim.PublicKey),
		Timestamp: claim.Timestamp,
		Signature: base64.StdEncoding.EncodeToString(claim.Signature),
	}
	if err := a.wire.sendEnvelope(a.ctx, env); err != nil {
		return nil, nil, err
	}
	select {
	case resp := <-a.responses:
		switch resp.Kind {
		case wireAuthToken:
			return nil, resp.Token, nil
		case wireAuthChallenge:
			ch, err := base64.StdEncoding.DecodeString(resp.Challenge)
			if err != nil {
				return nil, nil, WrapError(ErrDecode, "decode auth challenge", err)
			}
			return ch, nil, nil
		case wireError:
			return nil, nil, NewError(ErrUnauthenticated, resp.Error)
		default:
			return nil, nil, NewError(ErrProtocolMismatch, "unexpected response to auth claim")
		}
	case <-a.ctx.Done():
		return nil, nil, WrapError(ErrDeadlineExceeded, "await auth claim response", a.ctx.Err())
	}
}

func (a *authWire) SendChallengeResponse(resp ChallengeResponse) (Token, error) {
	env := wireEnvelope{
		Kind:      wireAuthChallenge,
		Challenge: base64.StdEncoding.EncodeToString(resp.Challenge),
		Signature: base64.StdEncoding.EncodeToString(resp.Signature),
	}
	if err := a.wire.sendEnvelope(a.ctx, env); err != nil {
		return Token{}, err
	}
	select {
	case respEnv := <-a.responses:
		if respEnv.Kind == wireAuthToken && respEnv.Token != nil {
			return *respEnv.Token, nil
		}
		if respEnv.Kind == wireError {
			return Token{}, NewError(ErrUnauthenticated, respEnv.Error)
		}
		return Token{}, NewError(ErrProtocolMismatch, "unexpected response to challenge response")
	case <-a.ctx.Done():
		return Token{}, WrapError(ErrDeadlineExceeded, "await challenge response token", a.ctx.Err())
	}
}
