package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame field numbers. These are wire contract; renumbering breaks deployed
// clients.
const (
	clientFieldID   = 1
	clientFieldSeq  = 2
	clientFieldInit = 3
	clientFieldRpc  = 4
	clientFieldPing = 5
	clientFieldAck  = 6

	serverFieldID      = 1
	serverFieldOpen    = 2
	serverFieldResult  = 3
	serverFieldError   = 4
	serverFieldAck     = 5
	serverFieldUpdates = 6
	serverFieldPong    = 7
	serverFieldConnErr = 8
)

var errTruncated = fmt.Errorf("protocol: truncated field")

// MarshalClientMessage encodes one client frame.
func MarshalClientMessage(m *ClientMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("protocol: nil client message")
	}
	b := appendVarintField(nil, clientFieldID, m.ID)
	b = appendVarintField(b, clientFieldSeq, uint64(m.Seq))
	switch body := m.Body.(type) {
	case *ConnectionInit:
		b = appendMessageField(b, clientFieldInit, appendConnectionInit(nil, body))
	case *RpcCall:
		b = appendMessageField(b, clientFieldRpc, appendRpcCall(nil, body))
	case *Ping:
		b = appendMessageField(b, clientFieldPing, appendVarintField(nil, 1, body.Nonce))
	case *Ack:
		b = appendMessageField(b, clientFieldAck, appendVarintField(nil, 1, body.MsgID))
	case nil:
		return nil, fmt.Errorf("protocol: client message without body")
	default:
		return nil, fmt.Errorf("protocol: unsupported client body %T", body)
	}
	return b, nil
}

// UnmarshalClientMessage decodes one client frame. Unknown fields are
// skipped.
func UnmarshalClientMessage(b []byte) (*ClientMessage, error) {
	var m ClientMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("protocol: client frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == clientFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errTruncated
			}
			m.ID = v
			b = b[n:]
		case num == clientFieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errTruncated
			}
			m.Seq = uint32(v)
			b = b[n:]
		case num == clientFieldInit && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			init, err := unmarshalConnectionInit(sub)
			if err != nil {
				return nil, err
			}
			m.Body = init
			b = b[n:]
		case num == clientFieldRpc && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			call, err := unmarshalRpcCall(sub)
			if err != nil {
				return nil, err
			}
			m.Body = call
			b = b[n:]
		case num == clientFieldPing && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			nonce, err := unmarshalSingleVarint(sub)
			if err != nil {
				return nil, err
			}
			m.Body = &Ping{Nonce: nonce}
			b = b[n:]
		case num == clientFieldAck && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			msgID, err := unmarshalSingleVarint(sub)
			if err != nil {
				return nil, err
			}
			m.Body = &Ack{MsgID: msgID}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errTruncated
			}
			b = b[n:]
		}
	}
	if m.Body == nil {
		return nil, fmt.Errorf("protocol: client message without body")
	}
	return &m, nil
}

// MarshalServerMessage encodes one server frame.
func MarshalServerMessage(m *ServerMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("protocol: nil server message")
	}
	b := appendVarintField(nil, serverFieldID, m.ID)
	switch body := m.Body.(type) {
	case *ConnectionOpen:
		b = appendMessageField(b, serverFieldOpen, nil)
	case *RpcResult:
		b = appendMessageField(b, serverFieldResult, appendRpcResult(nil, body))
	case *RpcError:
		b = appendMessageField(b, serverFieldError, appendRpcError(nil, body))
	case *Ack:
		b = appendMessageField(b, serverFieldAck, appendVarintField(nil, 1, body.MsgID))
	case *UpdatesPayload:
		enc, err := appendUpdatesPayload(nil, body)
		if err != nil {
			return nil, err
		}
		b = appendMessageField(b, serverFieldUpdates, enc)
	case *Pong:
		b = appendMessageField(b, serverFieldPong, appendVarintField(nil, 1, body.Nonce))
	case *ConnectionError:
		b = appendMessageField(b, serverFieldConnErr, appendConnectionError(nil, body))
	case nil:
		return nil, fmt.Errorf("protocol: server message without body")
	default:
		return nil, fmt.Errorf("protocol: unsupported server body %T", body)
	}
	return b, nil
}

// UnmarshalServerMessage decodes one server frame. Unknown fields are
// skipped.
func UnmarshalServerMessage(b []byte) (*ServerMessage, error) {
	var m ServerMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("protocol: server frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == serverFieldID && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errTruncated
			}
			m.ID = v
			b = b[n:]
			continue
		}
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errTruncated
			}
			b = b[n:]
			continue
		}
		sub, n, err := consumeBytes(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		switch num {
		case serverFieldOpen:
			m.Body = &ConnectionOpen{}
		case serverFieldResult:
			res, err := unmarshalRpcResult(sub)
			if err != nil {
				return nil, err
			}
			m.Body = res
		case serverFieldError:
			rpcErr, err := unmarshalRpcError(sub)
			if err != nil {
				return nil, err
			}
			m.Body = rpcErr
		case serverFieldAck:
			msgID, err := unmarshalSingleVarint(sub)
			if err != nil {
				return nil, err
			}
			m.Body = &Ack{MsgID: msgID}
		case serverFieldUpdates:
			up, err := unmarshalUpdatesPayload(sub)
			if err != nil {
				return nil, err
			}
			m.Body = up
		case serverFieldPong:
			nonce, err := unmarshalSingleVarint(sub)
			if err != nil {
				return nil, err
			}
			m.Body = &Pong{Nonce: nonce}
		case serverFieldConnErr:
			connErr, err := unmarshalConnectionError(sub)
			if err != nil {
				return nil, err
			}
			m.Body = connErr
		}
	}
	if m.Body == nil {
		return nil, fmt.Errorf("protocol: server message without body")
	}
	return &m, nil
}

// Sub-message codecs

func appendConnectionInit(b []byte, init *ConnectionInit) []byte {
	b = appendStringField(b, 1, init.Token)
	b = appendVarintField(b, 2, uint64(init.Layer))
	b = appendStringField(b, 3, init.Build)
	b = appendStringField(b, 4, init.Device)
	return b
}

func unmarshalConnectionInit(b []byte) (*ConnectionInit, error) {
	var init ConnectionInit
	return &init, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			init.Token = f.str()
		case 2:
			init.Layer = uint32(f.varint())
		case 3:
			init.Build = f.str()
		case 4:
			init.Device = f.str()
		}
		return f.err()
	})
}

func appendRpcCall(b []byte, call *RpcCall) []byte {
	b = appendVarintField(b, 1, uint64(call.Method))
	if len(call.Input) > 0 {
		b = appendMessageField(b, 2, call.Input)
	}
	return b
}

func unmarshalRpcCall(b []byte) (*RpcCall, error) {
	var call RpcCall
	return &call, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			call.Method = RpcMethod(f.varint())
		case 2:
			call.Input = f.bytes()
		}
		return f.err()
	})
}

func appendRpcResult(b []byte, res *RpcResult) []byte {
	b = appendVarintField(b, 1, res.ReqMsgID)
	if len(res.Result) > 0 {
		b = appendMessageField(b, 2, res.Result)
	}
	return b
}

func unmarshalRpcResult(b []byte) (*RpcResult, error) {
	var res RpcResult
	return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			res.ReqMsgID = f.varint()
		case 2:
			res.Result = f.bytes()
		}
		return f.err()
	})
}

func appendRpcError(b []byte, rpcErr *RpcError) []byte {
	b = appendVarintField(b, 1, rpcErr.ReqMsgID)
	b = appendStringField(b, 2, rpcErr.ErrorCode)
	b = appendVarintField(b, 3, uint64(rpcErr.Code))
	b = appendStringField(b, 4, rpcErr.Message)
	return b
}

func unmarshalRpcError(b []byte) (*RpcError, error) {
	var rpcErr RpcError
	return &rpcErr, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			rpcErr.ReqMsgID = f.varint()
		case 2:
			rpcErr.ErrorCode = f.str()
		case 3:
			rpcErr.Code = uint32(f.varint())
		case 4:
			rpcErr.Message = f.str()
		}
		return f.err()
	})
}

func appendConnectionError(b []byte, connErr *ConnectionError) []byte {
	b = appendVarintField(b, 1, uint64(connErr.Code))
	b = appendStringField(b, 2, connErr.Message)
	return b
}

func unmarshalConnectionError(b []byte) (*ConnectionError, error) {
	var connErr ConnectionError
	return &connErr, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			connErr.Code = uint32(f.varint())
		case 2:
			connErr.Message = f.str()
		}
		return f.err()
	})
}

func appendBucket(b []byte, bucket Bucket) []byte {
	b = appendVarintField(b, 1, uint64(bucket.Kind))
	b = appendVarintField(b, 2, uint64(bucket.EntityID))
	return b
}

func unmarshalBucket(b []byte) (Bucket, error) {
	var bucket Bucket
	return bucket, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			bucket.Kind = BucketKind(f.varint())
		case 2:
			bucket.EntityID = int64(f.varint())
		}
		return f.err()
	})
}

func appendUpdatesPayload(b []byte, up *UpdatesPayload) ([]byte, error) {
	b = appendMessageField(b, 1, appendBucket(nil, up.Bucket))
	for i := range up.Updates {
		enc, err := MarshalUpdate(&up.Updates[i])
		if err != nil {
			return nil, err
		}
		b = appendMessageField(b, 2, enc)
	}
	return b, nil
}

func unmarshalUpdatesPayload(b []byte) (*UpdatesPayload, error) {
	var up UpdatesPayload
	return &up, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			bucket, err := unmarshalBucket(f.bytes())
			if err != nil {
				return err
			}
			up.Bucket = bucket
		case 2:
			update, err := UnmarshalUpdate(f.bytes())
			if err != nil {
				return err
			}
			up.Updates = append(up.Updates, *update)
		}
		return f.err()
	})
}

// Update payload field numbers inside Update.
const (
	updateFieldSeq            = 1
	updateFieldDate           = 2
	updateFieldNewMessage     = 3
	updateFieldEditMessage    = 4
	updateFieldDeleteMessages = 5
	updateFieldUserStatus     = 6
	updateFieldNewChat        = 7
	updateFieldSpaceMember    = 8
	updateFieldChatHasNew     = 9
	updateFieldSpaceHasNew    = 10
	updateFieldUserHasNew     = 11
)

// MarshalUpdate encodes one update record. The same encoding seals update
// payloads at rest, so it must stay stable across releases.
func MarshalUpdate(u *Update) ([]byte, error) {
	if u == nil {
		return nil, fmt.Errorf("protocol: nil update")
	}
	b := appendVarintField(nil, updateFieldSeq, uint64(u.Seq))
	b = appendVarintField(b, updateFieldDate, uint64(u.Date))
	switch payload := u.Payload.(type) {
	case *UpdateNewMessage:
		b = appendMessageField(b, updateFieldNewMessage, appendMessage(nil, &payload.Message))
	case *UpdateEditMessage:
		b = appendMessageField(b, updateFieldEditMessage, appendMessage(nil, &payload.Message))
	case *UpdateDeleteMessages:
		sub := appendVarintField(nil, 1, uint64(payload.ChatID))
		for _, id := range payload.MessageIDs {
			sub = appendVarintField(sub, 2, uint64(id))
		}
		b = appendMessageField(b, updateFieldDeleteMessages, sub)
	case *UpdateUserStatus:
		sub := appendVarintField(nil, 1, uint64(payload.UserID))
		sub = appendBoolField(sub, 2, payload.Online)
		sub = appendVarintField(sub, 3, uint64(payload.LastSeen))
		b = appendMessageField(b, updateFieldUserStatus, sub)
	case *UpdateNewChat:
		b = appendMessageField(b, updateFieldNewChat, appendChat(nil, &payload.Chat))
	case *UpdateSpaceMemberAdd:
		sub := appendVarintField(nil, 1, uint64(payload.SpaceID))
		sub = appendVarintField(sub, 2, uint64(payload.UserID))
		b = appendMessageField(b, updateFieldSpaceMember, sub)
	case *UpdateChatHasNew:
		b = appendMessageField(b, updateFieldChatHasNew, appendVarintField(nil, 1, uint64(payload.ChatID)))
	case *UpdateSpaceHasNew:
		b = appendMessageField(b, updateFieldSpaceHasNew, appendVarintField(nil, 1, uint64(payload.SpaceID)))
	case *UpdateUserHasNew:
		b = appendMessageField(b, updateFieldUserHasNew, appendVarintField(nil, 1, uint64(payload.UserID)))
	case nil:
		return nil, fmt.Errorf("protocol: update without payload")
	default:
		return nil, fmt.Errorf("protocol: unsupported update payload %T", payload)
	}
	return b, nil
}

// UnmarshalUpdate decodes one update record.
func UnmarshalUpdate(b []byte) (*Update, error) {
	var u Update
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case updateFieldSeq:
			u.Seq = uint32(f.varint())
		case updateFieldDate:
			u.Date = int64(f.varint())
		case updateFieldNewMessage:
			msg, err := unmarshalMessage(f.bytes())
			if err != nil {
				return err
			}
			u.Payload = &UpdateNewMessage{Message: *msg}
		case updateFieldEditMessage:
			msg, err := unmarshalMessage(f.bytes())
			if err != nil {
				return err
			}
			u.Payload = &UpdateEditMessage{Message: *msg}
		case updateFieldDeleteMessages:
			var del UpdateDeleteMessages
			if err := walkFields(f.bytes(), func(num protowire.Number, typ protowire.Type, f field) error {
				switch num {
				case 1:
					del.ChatID = int64(f.varint())
				case 2:
					del.MessageIDs = append(del.MessageIDs, int64(f.varint()))
				}
				return f.err()
			}); err != nil {
				return err
			}
			u.Payload = &del
		case updateFieldUserStatus:
			var status UpdateUserStatus
			if err := walkFields(f.bytes(), func(num protowire.Number, typ protowire.Type, f field) error {
				switch num {
				case 1:
					status.UserID = int64(f.varint())
				case 2:
					status.Online = f.varint() != 0
				case 3:
					status.LastSeen = int64(f.varint())
				}
				return f.err()
			}); err != nil {
				return err
			}
			u.Payload = &status
		case updateFieldNewChat:
			chat, err := unmarshalChat(f.bytes())
			if err != nil {
				return err
			}
			u.Payload = &UpdateNewChat{Chat: *chat}
		case updateFieldSpaceMember:
			var member UpdateSpaceMemberAdd
			if err := walkFields(f.bytes(), func(num protowire.Number, typ protowire.Type, f field) error {
				switch num {
				case 1:
					member.SpaceID = int64(f.varint())
				case 2:
					member.UserID = int64(f.varint())
				}
				return f.err()
			}); err != nil {
				return err
			}
			u.Payload = &member
		case updateFieldChatHasNew:
			id, err := unmarshalSingleVarint(f.bytes())
			if err != nil {
				return err
			}
			u.Payload = &UpdateChatHasNew{ChatID: int64(id)}
		case updateFieldSpaceHasNew:
			id, err := unmarshalSingleVarint(f.bytes())
			if err != nil {
				return err
			}
			u.Payload = &UpdateSpaceHasNew{SpaceID: int64(id)}
		case updateFieldUserHasNew:
			id, err := unmarshalSingleVarint(f.bytes())
			if err != nil {
				return err
			}
			u.Payload = &UpdateUserHasNew{UserID: int64(id)}
		}
		return f.err()
	})
	if err != nil {
		return nil, err
	}
	if u.Payload == nil {
		return nil, fmt.Errorf("protocol: update without payload")
	}
	return &u, nil
}

func appendMessage(b []byte, msg *Message) []byte {
	b = appendVarintField(b, 1, uint64(msg.GlobalID))
	b = appendVarintField(b, 2, uint64(msg.ChatID))
	b = appendVarintField(b, 3, uint64(msg.FromID))
	b = appendVarintField(b, 4, uint64(msg.Date))
	b = appendStringField(b, 5, msg.Text)
	b = appendVarintField(b, 6, uint64(msg.EditDate))
	return b
}

func unmarshalMessage(b []byte) (*Message, error) {
	var msg Message
	return &msg, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			msg.GlobalID = int64(f.varint())
		case 2:
			msg.ChatID = int64(f.varint())
		case 3:
			msg.FromID = int64(f.varint())
		case 4:
			msg.Date = int64(f.varint())
		case 5:
			msg.Text = f.str()
		case 6:
			msg.EditDate = int64(f.varint())
		}
		return f.err()
	})
}

func appendChat(b []byte, chat *Chat) []byte {
	b = appendVarintField(b, 1, uint64(chat.ID))
	b = appendVarintField(b, 2, uint64(chat.SpaceID))
	b = appendVarintField(b, 3, uint64(chat.MinUserID))
	b = appendVarintField(b, 4, uint64(chat.MaxUserID))
	b = appendStringField(b, 5, chat.Title)
	b = appendBoolField(b, 6, chat.Public)
	return b
}

func unmarshalChat(b []byte) (*Chat, error) {
	var chat Chat
	return &chat, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			chat.ID = int64(f.varint())
		case 2:
			chat.SpaceID = int64(f.varint())
		case 3:
			chat.MinUserID = int64(f.varint())
		case 4:
			chat.MaxUserID = int64(f.varint())
		case 5:
			chat.Title = f.str()
		case 6:
			chat.Public = f.varint() != 0
		}
		return f.err()
	})
}

func appendUser(b []byte, user *User) []byte {
	b = appendVarintField(b, 1, uint64(user.ID))
	b = appendStringField(b, 2, user.Username)
	b = appendStringField(b, 3, user.FirstName)
	b = appendBoolField(b, 4, user.Online)
	b = appendVarintField(b, 5, uint64(user.LastSeen))
	return b
}

func unmarshalUser(b []byte) (*User, error) {
	var user User
	return &user, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			user.ID = int64(f.varint())
		case 2:
			user.Username = f.str()
		case 3:
			user.FirstName = f.str()
		case 4:
			user.Online = f.varint() != 0
		case 5:
			user.LastSeen = int64(f.varint())
		}
		return f.err()
	})
}

func appendSpace(b []byte, space *Space) []byte {
	b = appendVarintField(b, 1, uint64(space.ID))
	b = appendStringField(b, 2, space.Title)
	b = appendVarintField(b, 3, uint64(space.CreatorID))
	b = appendVarintField(b, 4, uint64(space.Date))
	return b
}

func unmarshalSpace(b []byte) (*Space, error) {
	var space Space
	return &space, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		switch num {
		case 1:
			space.ID = int64(f.varint())
		case 2:
			space.Title = f.str()
		case 3:
			space.CreatorID = int64(f.varint())
		case 4:
			space.Date = int64(f.varint())
		}
		return f.err()
	})
}

// Low-level helpers

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendMessageField always writes the field, even when enc is empty, so
// presence of empty sub-messages (ConnectionOpen) survives the round trip.
func appendMessageField(b []byte, num protowire.Number, enc []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, enc)
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, errTruncated
	}
	return v, n, nil
}

func unmarshalSingleVarint(b []byte) (uint64, error) {
	var out uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
		if num == 1 {
			out = f.varint()
		}
		return f.err()
	})
	return out, err
}

// field gives typed access to one wire value inside walkFields. Accessors
// record a type mismatch instead of panicking; err surfaces it.
type field struct {
	typ     protowire.Type
	varintV uint64
	bytesV  []byte
	failure error
}

func (f *field) varint() uint64 {
	if f.typ != protowire.VarintType {
		f.failure = fmt.Errorf("protocol: expected varint, got wire type %d", f.typ)
		return 0
	}
	return f.varintV
}

func (f *field) bytes() []byte {
	if f.typ != protowire.BytesType {
		f.failure = fmt.Errorf("protocol: expected bytes, got wire type %d", f.typ)
		return nil
	}
	return f.bytesV
}

func (f *field) str() string {
	return string(f.bytes())
}

func (f *field) err() error {
	return f.failure
}

// walkFields iterates every field of an encoded message, decoding varint and
// bytes values and skipping everything else.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("protocol: field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var f field
		f.typ = typ
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errTruncated
			}
			f.varintV = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errTruncated
			}
			f.bytesV = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errTruncated
			}
			b = b[n:]
			continue
		}

		if err := fn(num, typ, f); err != nil {
			return err
		}
	}
	return nil
}
