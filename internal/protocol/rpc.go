package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RpcMethod selects which input and result messages an RpcCall carries.
type RpcMethod uint32

const (
	MethodUnspecified      RpcMethod = 0
	MethodGetMe            RpcMethod = 1
	MethodSendMessage      RpcMethod = 2
	MethodEditMessage      RpcMethod = 3
	MethodDeleteMessages   RpcMethod = 4
	MethodGetChatHistory   RpcMethod = 5
	MethodCreatePrivateChat RpcMethod = 6
	MethodCreateSpace      RpcMethod = 7
	MethodAddSpaceMember   RpcMethod = 8
	MethodUpdateUserStatus RpcMethod = 9
	MethodGetUpdatesState  RpcMethod = 10
	MethodGetUpdates       RpcMethod = 11
)

// String returns the method name used in logs and metrics labels.
func (m RpcMethod) String() string {
	switch m {
	case MethodGetMe:
		return "getMe"
	case MethodSendMessage:
		return "sendMessage"
	case MethodEditMessage:
		return "editMessage"
	case MethodDeleteMessages:
		return "deleteMessages"
	case MethodGetChatHistory:
		return "getChatHistory"
	case MethodCreatePrivateChat:
		return "createPrivateChat"
	case MethodCreateSpace:
		return "createSpace"
	case MethodAddSpaceMember:
		return "addSpaceMember"
	case MethodUpdateUserStatus:
		return "updateUserStatus"
	case MethodGetUpdatesState:
		return "getUpdatesState"
	case MethodGetUpdates:
		return "getUpdates"
	default:
		return fmt.Sprintf("method(%d)", uint32(m))
	}
}

// Mutating reports whether the method runs the server mutation pipeline.
// Non-mutating methods never emit updates.
func (m RpcMethod) Mutating() bool {
	switch m {
	case MethodSendMessage, MethodEditMessage, MethodDeleteMessages,
		MethodCreatePrivateChat, MethodCreateSpace, MethodAddSpaceMember,
		MethodUpdateUserStatus:
		return true
	default:
		return false
	}
}

// GetUpdatesResultType reports how the server answered a catch-up fetch.
type GetUpdatesResultType uint32

const (
	GetUpdatesEmpty   GetUpdatesResultType = 0
	GetUpdatesSlice   GetUpdatesResultType = 1
	GetUpdatesTooLong GetUpdatesResultType = 2
)

// RPC input messages.

type GetMeInput struct{}

type SendMessageInput struct {
	ChatID   int64
	Text     string
	RandomID int64
}

type EditMessageInput struct {
	ChatID    int64
	MessageID int64
	Text      string
}

type DeleteMessagesInput struct {
	ChatID     int64
	MessageIDs []int64
}

type GetChatHistoryInput struct {
	ChatID      int64
	BeforeMsgID int64
	Limit       uint32
}

type CreatePrivateChatInput struct{ UserID int64 }

type CreateSpaceInput struct{ Title string }

type AddSpaceMemberInput struct {
	SpaceID int64
	UserID  int64
}

type UpdateUserStatusInput struct{ Online bool }

type GetUpdatesStateInput struct{ Buckets []Bucket }

type GetUpdatesInput struct {
	Bucket   Bucket
	SinceSeq uint32
	Limit    uint32
}

// RPC result messages.

type GetMeResult struct{ User User }

type SendMessageResult struct {
	Message   Message
	UpdateSeq uint32
}

type EditMessageResult struct{ Message Message }

type DeleteMessagesResult struct{ MessageIDs []int64 }

type GetChatHistoryResult struct{ Messages []Message }

type CreatePrivateChatResult struct{ Chat Chat }

type CreateSpaceResult struct{ Space Space }

type AddSpaceMemberResult struct {
	SpaceID int64
	UserID  int64
}

type UpdateUserStatusResult struct{}

// BucketStateInfo is the server's view of one bucket cursor.
type BucketStateInfo struct {
	Bucket Bucket
	Pts    uint32
	Date   int64
}

type GetUpdatesStateResult struct{ States []BucketStateInfo }

type GetUpdatesResult struct {
	ResultType GetUpdatesResultType
	Updates    []Update
	Seq        uint32
	Date       int64
	Final      bool
}

// MarshalRpcInput encodes the input message for a method.
func MarshalRpcInput(method RpcMethod, input any) ([]byte, error) {
	switch in := input.(type) {
	case *GetMeInput, nil:
		return nil, nil
	case *SendMessageInput:
		b := appendVarintField(nil, 1, uint64(in.ChatID))
		b = appendStringField(b, 2, in.Text)
		b = appendVarintField(b, 3, uint64(in.RandomID))
		return b, nil
	case *EditMessageInput:
		b := appendVarintField(nil, 1, uint64(in.ChatID))
		b = appendVarintField(b, 2, uint64(in.MessageID))
		b = appendStringField(b, 3, in.Text)
		return b, nil
	case *DeleteMessagesInput:
		b := appendVarintField(nil, 1, uint64(in.ChatID))
		for _, id := range in.MessageIDs {
			b = appendVarintField(b, 2, uint64(id))
		}
		return b, nil
	case *GetChatHistoryInput:
		b := appendVarintField(nil, 1, uint64(in.ChatID))
		b = appendVarintField(b, 2, uint64(in.BeforeMsgID))
		b = appendVarintField(b, 3, uint64(in.Limit))
		return b, nil
	case *CreatePrivateChatInput:
		return appendVarintField(nil, 1, uint64(in.UserID)), nil
	case *CreateSpaceInput:
		return appendStringField(nil, 1, in.Title), nil
	case *AddSpaceMemberInput:
		b := appendVarintField(nil, 1, uint64(in.SpaceID))
		b = appendVarintField(b, 2, uint64(in.UserID))
		return b, nil
	case *UpdateUserStatusInput:
		return appendBoolField(nil, 1, in.Online), nil
	case *GetUpdatesStateInput:
		var b []byte
		for _, bucket := range in.Buckets {
			b = appendMessageField(b, 1, appendBucket(nil, bucket))
		}
		return b, nil
	case *GetUpdatesInput:
		b := appendMessageField(nil, 1, appendBucket(nil, in.Bucket))
		b = appendVarintField(b, 2, uint64(in.SinceSeq))
		b = appendVarintField(b, 3, uint64(in.Limit))
		return b, nil
	default:
		return nil, fmt.Errorf("protocol: input %T does not match method %s", input, method)
	}
}

// UnmarshalRpcInput decodes the input bytes of an RpcCall by method.
func UnmarshalRpcInput(method RpcMethod, b []byte) (any, error) {
	switch method {
	case MethodGetMe:
		return &GetMeInput{}, nil
	case MethodSendMessage:
		var in SendMessageInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			switch num {
			case 1:
				in.ChatID = int64(f.varint())
			case 2:
				in.Text = f.str()
			case 3:
				in.RandomID = int64(f.varint())
			}
			return f.err()
		})
	case MethodEditMessage:
		var in EditMessageInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			switch num {
			case 1:
				in.ChatID = int64(f.varint())
			case 2:
				in.MessageID = int64(f.varint())
			case 3:
				in.Text = f.str()
			}
			return f.err()
		})
	case MethodDeleteMessages:
		var in DeleteMessagesInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			switch num {
			case 1:
				in.ChatID = int64(f.varint())
			case 2:
				in.MessageIDs = append(in.MessageIDs, int64(f.varint()))
			}
			return f.err()
		})
	case MethodGetChatHistory:
		var in GetChatHistoryInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			switch num {
			case 1:
				in.ChatID = int64(f.varint())
			case 2:
				in.BeforeMsgID = int64(f.varint())
			case 3:
				in.Limit = uint32(f.varint())
			}
			return f.err()
		})
	case MethodCreatePrivateChat:
		var in CreatePrivateChatInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				in.UserID = int64(f.varint())
			}
			return f.err()
		})
	case MethodCreateSpace:
		var in CreateSpaceInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				in.Title = f.str()
			}
			return f.err()
		})
	case MethodAddSpaceMember:
		var in AddSpaceMemberInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			switch num {
			case 1:
				in.SpaceID = int64(f.varint())
			case 2:
				in.UserID = int64(f.varint())
			}
			return f.err()
		})
	case MethodUpdateUserStatus:
		var in UpdateUserStatusInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				in.Online = f.varint() != 0
			}
			return f.err()
		})
	case MethodGetUpdatesState:
		var in GetUpdatesStateInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				bucket, err := unmarshalBucket(f.bytes())
				if err != nil {
					return err
				}
				in.Buckets = append(in.Buckets, bucket)
			}
			return f.err()
		})
	case MethodGetUpdates:
		var in GetUpdatesInput
		return &in, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			switch num {
			case 1:
				bucket, err := unmarshalBucket(f.bytes())
				if err != nil {
					return err
				}
				in.Bucket = bucket
			case 2:
				in.SinceSeq = uint32(f.varint())
			case 3:
				in.Limit = uint32(f.varint())
			}
			return f.err()
		})
	default:
		return nil, fmt.Errorf("protocol: unknown method %s", method)
	}
}

// MarshalRpcResult encodes the result message for a method.
func MarshalRpcResult(method RpcMethod, result any) ([]byte, error) {
	switch res := result.(type) {
	case *GetMeResult:
		return appendMessageField(nil, 1, appendUser(nil, &res.User)), nil
	case *SendMessageResult:
		b := appendMessageField(nil, 1, appendMessage(nil, &res.Message))
		b = appendVarintField(b, 2, uint64(res.UpdateSeq))
		return b, nil
	case *EditMessageResult:
		return appendMessageField(nil, 1, appendMessage(nil, &res.Message)), nil
	case *DeleteMessagesResult:
		var b []byte
		for _, id := range res.MessageIDs {
			b = appendVarintField(b, 1, uint64(id))
		}
		return b, nil
	case *GetChatHistoryResult:
		var b []byte
		for i := range res.Messages {
			b = appendMessageField(b, 1, appendMessage(nil, &res.Messages[i]))
		}
		return b, nil
	case *CreatePrivateChatResult:
		return appendMessageField(nil, 1, appendChat(nil, &res.Chat)), nil
	case *CreateSpaceResult:
		return appendMessageField(nil, 1, appendSpace(nil, &res.Space)), nil
	case *AddSpaceMemberResult:
		b := appendVarintField(nil, 1, uint64(res.SpaceID))
		b = appendVarintField(b, 2, uint64(res.UserID))
		return b, nil
	case *UpdateUserStatusResult:
		return nil, nil
	case *GetUpdatesStateResult:
		var b []byte
		for _, state := range res.States {
			sub := appendMessageField(nil, 1, appendBucket(nil, state.Bucket))
			sub = appendVarintField(sub, 2, uint64(state.Pts))
			sub = appendVarintField(sub, 3, uint64(state.Date))
			b = appendMessageField(b, 1, sub)
		}
		return b, nil
	case *GetUpdatesResult:
		b := appendVarintField(nil, 1, uint64(res.ResultType))
		for i := range res.Updates {
			enc, err := MarshalUpdate(&res.Updates[i])
			if err != nil {
				return nil, err
			}
			b = appendMessageField(b, 2, enc)
		}
		b = appendVarintField(b, 3, uint64(res.Seq))
		b = appendVarintField(b, 4, uint64(res.Date))
		b = appendBoolField(b, 5, res.Final)
		return b, nil
	default:
		return nil, fmt.Errorf("protocol: result %T does not match method %s", result, method)
	}
}

// UnmarshalRpcResult decodes the result bytes of an RpcResult by the method
// of the originating call.
func UnmarshalRpcResult(method RpcMethod, b []byte) (any, error) {
	switch method {
	case MethodGetMe:
		var res GetMeResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				user, err := unmarshalUser(f.bytes())
				if err != nil {
					return err
				}
				res.User = *user
			}
			return f.err()
		})
	case MethodSendMessage:
		var res SendMessageResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			switch num {
			case 1:
				msg, err := unmarshalMessage(f.bytes())
				if err != nil {
					return err
				}
				res.Message = *msg
			case 2:
				res.UpdateSeq = uint32(f.varint())
			}
			return f.err()
		})
	case MethodEditMessage:
		var res EditMessageResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				msg, err := unmarshalMessage(f.bytes())
				if err != nil {
					return err
				}
				res.Message = *msg
			}
			return f.err()
		})
	case MethodDeleteMessages:
		var res DeleteMessagesResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				res.MessageIDs = append(res.MessageIDs, int64(f.varint()))
			}
			return f.err()
		})
	case MethodGetChatHistory:
		var res GetChatHistoryResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				msg, err := unmarshalMessage(f.bytes())
				if err != nil {
					return err
				}
				res.Messages = append(res.Messages, *msg)
			}
			return f.err()
		})
	case MethodCreatePrivateChat:
		var res CreatePrivateChatResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				chat, err := unmarshalChat(f.bytes())
				if err != nil {
					return err
				}
				res.Chat = *chat
			}
			return f.err()
		})
	case MethodCreateSpace:
		var res CreateSpaceResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				space, err := unmarshalSpace(f.bytes())
				if err != nil {
					return err
				}
				res.Space = *space
			}
			return f.err()
		})
	case MethodAddSpaceMember:
		var res AddSpaceMemberResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			switch num {
			case 1:
				res.SpaceID = int64(f.varint())
			case 2:
				res.UserID = int64(f.varint())
			}
			return f.err()
		})
	case MethodUpdateUserStatus:
		return &UpdateUserStatusResult{}, nil
	case MethodGetUpdatesState:
		var res GetUpdatesStateResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			if num == 1 {
				var state BucketStateInfo
				if err := walkFields(f.bytes(), func(num protowire.Number, typ protowire.Type, f field) error {
					switch num {
					case 1:
						bucket, err := unmarshalBucket(f.bytes())
						if err != nil {
							return err
						}
						state.Bucket = bucket
					case 2:
						state.Pts = uint32(f.varint())
					case 3:
						state.Date = int64(f.varint())
					}
					return f.err()
				}); err != nil {
					return err
				}
				res.States = append(res.States, state)
			}
			return f.err()
		})
	case MethodGetUpdates:
		var res GetUpdatesResult
		return &res, walkFields(b, func(num protowire.Number, typ protowire.Type, f field) error {
			switch num {
			case 1:
				res.ResultType = GetUpdatesResultType(f.varint())
			case 2:
				update, err := UnmarshalUpdate(f.bytes())
				if err != nil {
					return err
				}
				res.Updates = append(res.Updates, *update)
			case 3:
				res.Seq = uint32(f.varint())
			case 4:
				res.Date = int64(f.varint())
			case 5:
				res.Final = f.varint() != 0
			}
			return f.err()
		})
	default:
		return nil, fmt.Errorf("protocol: unknown method %s", method)
	}
}
