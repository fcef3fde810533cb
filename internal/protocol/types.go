// Package protocol defines the binary wire protocol spoken between clients
// and the gateway: one protobuf-encoded message per WebSocket binary frame.
//
// The messages are hand-written structs encoded with protowire so the wire
// format stays byte-compatible with the published schema without a generated
// code pipeline. Unknown fields are skipped on decode so older clients keep
// working against newer servers.
package protocol

// Layer is the protocol revision announced in ConnectionInit.
const Layer uint32 = 1

// BucketKind names the entity family that owns an update stream.
type BucketKind uint32

const (
	BucketKindUnspecified BucketKind = 0
	BucketKindChat        BucketKind = 1
	BucketKindUser        BucketKind = 2
	BucketKindSpace       BucketKind = 3
)

// String returns the lowercase kind name used in logs and storage rows.
func (k BucketKind) String() string {
	switch k {
	case BucketKindChat:
		return "chat"
	case BucketKindUser:
		return "user"
	case BucketKindSpace:
		return "space"
	default:
		return "unspecified"
	}
}

// Bucket identifies one ordered update stream.
type Bucket struct {
	Kind     BucketKind
	EntityID int64
}

// ClientMessage is a frame sent client to server.
type ClientMessage struct {
	ID   uint64
	Seq  uint32
	Body ClientBody
}

// ClientBody is the oneof payload of a ClientMessage.
type ClientBody interface{ clientBody() }

// ServerMessage is a frame sent server to client.
type ServerMessage struct {
	ID   uint64
	Body ServerBody
}

// ServerBody is the oneof payload of a ServerMessage.
type ServerBody interface{ serverBody() }

// ConnectionInit is the first client body after the socket opens.
type ConnectionInit struct {
	Token  string
	Layer  uint32
	Build  string
	Device string
}

// ConnectionOpen confirms a successful handshake.
type ConnectionOpen struct{}

// ConnectionError tells the client the server terminated the session.
type ConnectionError struct {
	Code    uint32
	Message string
}

// Connection error codes carried by ConnectionError.Code.
const (
	ConnErrUnauthorized    uint32 = 1
	ConnErrUnsupportedWire uint32 = 2
	ConnErrInternal        uint32 = 3
	ConnErrRateLimited     uint32 = 4
)

// Ping carries a liveness nonce; the server echoes it back in a Pong.
type Ping struct{ Nonce uint64 }

// Pong echoes a Ping nonce.
type Pong struct{ Nonce uint64 }

// Ack confirms receipt of a client message before its result is ready.
type Ack struct{ MsgID uint64 }

// RpcCall invokes a method. Input is the protowire encoding of the
// per-method input message; Method selects the decoder.
type RpcCall struct {
	Method RpcMethod
	Input  []byte
}

// RpcResult carries the successful reply for the call sent as ReqMsgID.
// Result is the protowire encoding of the per-method result message.
type RpcResult struct {
	ReqMsgID uint64
	Result   []byte
}

// RpcError carries the failed reply for the call sent as ReqMsgID.
type RpcError struct {
	ReqMsgID  uint64
	ErrorCode string
	Code      uint32
	Message   string
}

// UpdatesPayload pushes committed updates for one bucket.
type UpdatesPayload struct {
	Bucket  Bucket
	Updates []Update
}

// Update is one server-authored state-change record within a bucket.
type Update struct {
	Seq     uint32
	Date    int64
	Payload UpdatePayload
}

// UpdatePayload is the oneof payload of an Update.
type UpdatePayload interface{ updatePayload() }

// UpdateNewMessage announces a newly stored message.
type UpdateNewMessage struct{ Message Message }

// UpdateEditMessage announces an edit to a stored message.
type UpdateEditMessage struct{ Message Message }

// UpdateDeleteMessages announces message deletions in a chat.
type UpdateDeleteMessages struct {
	ChatID     int64
	MessageIDs []int64
}

// UpdateUserStatus announces an online-state change.
type UpdateUserStatus struct {
	UserID   int64
	Online   bool
	LastSeen int64
}

// UpdateNewChat announces a chat the user became part of.
type UpdateNewChat struct{ Chat Chat }

// UpdateSpaceMemberAdd announces a membership addition.
type UpdateSpaceMemberAdd struct {
	SpaceID int64
	UserID  int64
}

// UpdateChatHasNew signals that a chat bucket advanced; clients fetch the
// gap through Sync rather than from this notification.
type UpdateChatHasNew struct{ ChatID int64 }

// UpdateSpaceHasNew signals that a space bucket advanced.
type UpdateSpaceHasNew struct{ SpaceID int64 }

// UpdateUserHasNew signals that a user bucket advanced.
type UpdateUserHasNew struct{ UserID int64 }

// Message is a chat message on the wire.
type Message struct {
	GlobalID int64
	ChatID   int64
	FromID   int64
	Date     int64
	Text     string
	EditDate int64
}

// Chat describes a private dialog or a space thread.
type Chat struct {
	ID        int64
	SpaceID   int64
	MinUserID int64
	MaxUserID int64
	Title     string
	Public    bool
}

// User is the profile surface exposed over the protocol.
type User struct {
	ID        int64
	Username  string
	FirstName string
	Online    bool
	LastSeen  int64
}

// Space is a shared group owning threads and members.
type Space struct {
	ID        int64
	Title     string
	CreatorID int64
	Date      int64
}

func (*ConnectionInit) clientBody() {}
func (*RpcCall) clientBody()        {}
func (*Ping) clientBody()           {}
func (*Ack) clientBody()            {}

func (*ConnectionOpen) serverBody()  {}
func (*RpcResult) serverBody()       {}
func (*RpcError) serverBody()        {}
func (*Ack) serverBody()             {}
func (*UpdatesPayload) serverBody()  {}
func (*Pong) serverBody()            {}
func (*ConnectionError) serverBody() {}

func (*UpdateNewMessage) updatePayload()     {}
func (*UpdateEditMessage) updatePayload()    {}
func (*UpdateDeleteMessages) updatePayload() {}
func (*UpdateUserStatus) updatePayload()     {}
func (*UpdateNewChat) updatePayload()        {}
func (*UpdateSpaceMemberAdd) updatePayload() {}
func (*UpdateChatHasNew) updatePayload()     {}
func (*UpdateSpaceHasNew) updatePayload()    {}
func (*UpdateUserHasNew) updatePayload()     {}
