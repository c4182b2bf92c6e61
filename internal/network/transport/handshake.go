package transport

import (
	"fmt"

	"github.com/p2p-db-sync/dbsync/internal/crypto"
	"github.com/p2p-db-sync/dbsync/internal/network/messages"
)

// Authenticator proves and verifies knowledge of the registration key
type Authenticator interface {
	LocalNodeID() string
	LocalName() string
	Prove(challenge []byte, peerID string) []byte
	VerifyProof(challenge, proof []byte, peerID string) error
}

// ClientHandshake authenticates both sides of a stream the local node opened.
//
//	hello          -> (id, challenge A)
//	hello_ack      <- (id, proof A, challenge B)
//	hello_complete -> (proof B)
//	hello_ok       <-
func ClientHandshake(stream Stream, auth Authenticator) (*Conn, error) {
	conn := NewConn(stream, auth.LocalNodeID())
	binding, err := stream.Binding()
	if err != nil {
		return nil, err
	}

	challenge, err := crypto.GenerateChallenge()
	if err != nil {
		return nil, err
	}
	err = conn.Send(messages.TypeHello, messages.HelloMessage{
		NodeID:    auth.LocalNodeID(),
		Name:      auth.LocalName(),
		Challenge: challenge,
	})
	if err != nil {
		return nil, err
	}

	var ack messages.HelloAckMessage
	if err := conn.Expect(messages.TypeHelloAck, &ack); err != nil {
		return nil, err
	}
	if ack.NodeID == "" || ack.NodeID == auth.LocalNodeID() {
		return nil, fmt.Errorf("invalid peer node id %q", ack.NodeID)
	}
	if err := auth.VerifyProof(bind(challenge, binding), ack.Proof, ack.NodeID); err != nil {
		return nil, err
	}

	err = conn.Send(messages.TypeHelloComplete, messages.HelloCompleteMessage{
		Proof: auth.Prove(bind(ack.Challenge, binding), ack.NodeID),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Expect(messages.TypeHelloOK, nil); err != nil {
		return nil, err
	}

	conn.PeerID = ack.NodeID
	conn.PeerName = ack.Name
	return conn, nil
}

// ServerHandshake authenticates both sides of a stream a peer opened. A
// failed proof is answered with an unauthenticated error and returned.
func ServerHandshake(stream Stream, auth Authenticator) (*Conn, error) {
	conn := NewConn(stream, auth.LocalNodeID())
	binding, err := stream.Binding()
	if err != nil {
		return nil, err
	}

	var hello messages.HelloMessage
	if err := conn.Expect(messages.TypeHello, &hello); err != nil {
		return nil, err
	}
	if hello.NodeID == "" || len(hello.Challenge) < crypto.ChallengeSize {
		conn.SendError(messages.CodeBadRequest, fmt.Errorf("malformed hello"))
		return nil, fmt.Errorf("malformed hello from %s", stream.RemoteAddr())
	}

	challenge, err := crypto.GenerateChallenge()
	if err != nil {
		return nil, err
	}
	err = conn.Send(messages.TypeHelloAck, messages.HelloAckMessage{
		NodeID:    auth.LocalNodeID(),
		Name:      auth.LocalName(),
		Proof:     auth.Prove(bind(hello.Challenge, binding), hello.NodeID),
		Challenge: challenge,
	})
	if err != nil {
		return nil, err
	}

	var complete messages.HelloCompleteMessage
	if err := conn.Expect(messages.TypeHelloComplete, &complete); err != nil {
		return nil, err
	}
	if err := auth.VerifyProof(bind(challenge, binding), complete.Proof, hello.NodeID); err != nil {
		conn.SendError(messages.CodeUnauthenticated, err)
		return nil, err
	}
	if err := conn.Send(messages.TypeHelloOK, nil); err != nil {
		return nil, err
	}

	conn.PeerID = hello.NodeID
	conn.PeerName = hello.Name
	return conn, nil
}

func bind(challenge, binding []byte) []byte {
	out := make([]byte, 0, len(challenge)+len(binding))
	out = append(out, challenge...)
	return append(out, binding...)
}
