package smtpfront

import (
	"fmt"
	"os"
)

// MsgType is the type of a message passed to Dispatch.
type MsgType string

// Administrative messages, handled by the server.
const (
	MsgPause        MsgType = "pause"
	MsgResume       MsgType = "resume"
	MsgSessions     MsgType = "sessions"
	MsgQueueSession MsgType = "queue-session" // Local session for a producer inside the daemon.
	MsgCtlSession   MsgType = "ctl-session"   // Local session requested over the ctl socket.
)

// Protocol messages, replies from other processes to requests made by the
// session layer. Passed to the session layer unmodified.
const (
	MsgCheckSender     MsgType = "check-sender"
	MsgExpandRcpt      MsgType = "expand-rcpt"
	MsgLookupHelo      MsgType = "lookup-helo"
	MsgAuthenticate    MsgType = "authenticate"
	MsgFilterProtocol  MsgType = "filter-protocol"
	MsgFilterDataBegin MsgType = "filter-data-begin"
	MsgMessageCommit   MsgType = "message-commit"
	MsgMessageCreate   MsgType = "message-create"
	MsgMessageOpen     MsgType = "message-open"
	MsgEnvelopeSubmit  MsgType = "envelope-submit"
	MsgEnvelopeCommit  MsgType = "envelope-commit"
)

var protocolMsgs = map[MsgType]bool{
	MsgCheckSender:     true,
	MsgExpandRcpt:      true,
	MsgLookupHelo:      true,
	MsgAuthenticate:    true,
	MsgFilterProtocol:  true,
	MsgFilterDataBegin: true,
	MsgMessageCommit:   true,
	MsgMessageCreate:   true,
	MsgMessageOpen:     true,
	MsgEnvelopeSubmit:  true,
	MsgEnvelopeCommit:  true,
}

// Message is an administrative or protocol message.
type Message struct {
	Type    MsgType
	Session int64  // Session the message is for, if any.
	Payload []byte // Opaque for protocol messages.
	File    *os.File
}

// Reply is the result of an administrative message.
type Reply struct {
	Sessions []SessionInfo // For MsgSessions.
	File     *os.File      // Peer end of the new local session, for MsgQueueSession and MsgCtlSession.
}

// Dispatch handles administrative messages, and forwards protocol messages to
// the session layer. Unknown message types result in ErrUnexpectedMessage.
func (s *Server) Dispatch(msg Message) (Reply, error) {
	switch msg.Type {
	case MsgPause:
		return Reply{}, s.Pause()
	case MsgResume:
		return Reply{}, s.Resume()
	case MsgSessions:
		return Reply{Sessions: s.Sessions()}, nil
	case MsgQueueSession, MsgCtlSession:
		f, err := s.Enqueue()
		return Reply{File: f}, err
	}
	if protocolMsgs[msg.Type] {
		return Reply{}, s.layer.HandleMessage(msg)
	}
	return Reply{}, fmt.Errorf("%w %q", ErrUnexpectedMessage, msg.Type)
}
