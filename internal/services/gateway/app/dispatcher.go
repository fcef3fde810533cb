package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/services/gateway/storage"
)

// RPC error codes surfaced to clients.
const (
	errCodeBadRequest = "BAD_REQUEST"
	errCodeForbidden  = "FORBIDDEN"
	errCodeNotFound   = "NOT_FOUND"
	errCodeInternal   = "INTERNAL"
)

// rpcFault is a dispatch failure destined for an RpcError frame.
type rpcFault struct {
	errorCode string
	code      uint32
	message   string
}

func (f *rpcFault) Error() string { return f.message }

func badRequest(message string) *rpcFault {
	return &rpcFault{errorCode: errCodeBadRequest, code: 400, message: message}
}

func forbidden(err error) *rpcFault {
	return &rpcFault{errorCode: errCodeForbidden, code: 403, message: err.Error()}
}

func notFound(message string) *rpcFault {
	return &rpcFault{errorCode: errCodeNotFound, code: 404, message: message}
}

func internalFault() *rpcFault {
	return &rpcFault{errorCode: errCodeInternal, code: 500, message: "internal error"}
}

// dispatcher decodes method inputs, enforces access, runs the store, and
// encodes results. Mutating methods hand their committed updates to the
// broker after the store transaction commits.
type dispatcher struct {
	store  storage.Store
	access *accessGuard
	broker *broker
	log    zerolog.Logger
	now    func() time.Time
}

func newDispatcher(store storage.Store, access *accessGuard, broker *broker, log zerolog.Logger) *dispatcher {
	return &dispatcher{store: store, access: access, broker: broker, log: log, now: time.Now}
}

// dispatch runs one call for an authenticated user and returns the encoded
// result message.
func (d *dispatcher) dispatch(ctx context.Context, userID int64, call *protocol.RpcCall) ([]byte, *rpcFault) {
	input, err := protocol.UnmarshalRpcInput(call.Method, call.Input)
	if err != nil {
		return nil, badRequest(fmt.Sprintf("malformed input for %s", call.Method))
	}

	result, fault := d.run(ctx, userID, call.Method, input)
	if fault != nil {
		return nil, fault
	}

	encoded, err := protocol.MarshalRpcResult(call.Method, result)
	if err != nil {
		d.log.Error().Err(err).Str("method", call.Method.String()).Msg("encode rpc result")
		return nil, internalFault()
	}
	return encoded, nil
}

func (d *dispatcher) run(ctx context.Context, userID int64, method protocol.RpcMethod, input any) (any, *rpcFault) {
	switch in := input.(type) {
	case *protocol.GetMeInput:
		user, err := d.store.UserByID(ctx, userID)
		if err != nil {
			return nil, d.storeFault(err, "user")
		}
		return &protocol.GetMeResult{User: user}, nil

	case *protocol.SendMessageInput:
		if in.ChatID <= 0 {
			return nil, badRequest("chat id is required")
		}
		if strings.TrimSpace(in.Text) == "" {
			return nil, badRequest("message text is required")
		}
		if err := d.access.checkChat(ctx, in.ChatID, userID); err != nil {
			return nil, d.accessFault(err, "chat")
		}
		msg, seq, committed, err := d.store.SendMessage(ctx, storage.SendMessageParams{
			ChatID:   in.ChatID,
			FromID:   userID,
			RandomID: in.RandomID,
			Text:     in.Text,
			Now:      d.now(),
		})
		d.broker.publish(ctx, committed)
		if err != nil {
			return nil, d.storeFault(err, "message")
		}
		return &protocol.SendMessageResult{Message: msg, UpdateSeq: seq}, nil

	case *protocol.EditMessageInput:
		if strings.TrimSpace(in.Text) == "" {
			return nil, badRequest("message text is required")
		}
		if err := d.access.checkChat(ctx, in.ChatID, userID); err != nil {
			return nil, d.accessFault(err, "chat")
		}
		msg, committed, err := d.store.EditMessage(ctx, in.ChatID, in.MessageID, userID, in.Text, d.now())
		d.broker.publish(ctx, committed)
		if err != nil {
			return nil, d.storeFault(err, "message")
		}
		return &protocol.EditMessageResult{Message: msg}, nil

	case *protocol.DeleteMessagesInput:
		if len(in.MessageIDs) == 0 {
			return nil, badRequest("message ids are required")
		}
		if err := d.access.checkChat(ctx, in.ChatID, userID); err != nil {
			return nil, d.accessFault(err, "chat")
		}
		deleted, committed, err := d.store.DeleteMessages(ctx, in.ChatID, in.MessageIDs, d.now())
		d.broker.publish(ctx, committed)
		if err != nil {
			return nil, d.storeFault(err, "message")
		}
		return &protocol.DeleteMessagesResult{MessageIDs: deleted}, nil

	case *protocol.GetChatHistoryInput:
		if err := d.access.checkChat(ctx, in.ChatID, userID); err != nil {
			return nil, d.accessFault(err, "chat")
		}
		msgs, err := d.store.ChatHistory(ctx, in.ChatID, in.BeforeMsgID, int(in.Limit))
		if err != nil {
			return nil, d.storeFault(err, "history")
		}
		return &protocol.GetChatHistoryResult{Messages: msgs}, nil

	case *protocol.CreatePrivateChatInput:
		if in.UserID <= 0 || in.UserID == userID {
			return nil, badRequest("peer user id is required")
		}
		if _, err := d.store.UserByID(ctx, in.UserID); err != nil {
			return nil, d.storeFault(err, "peer")
		}
		chat, committed, err := d.store.CreatePrivateChat(ctx, userID, in.UserID, d.now())
		d.broker.publish(ctx, committed)
		if err != nil {
			return nil, d.storeFault(err, "chat")
		}
		return &protocol.CreatePrivateChatResult{Chat: chat}, nil

	case *protocol.CreateSpaceInput:
		if strings.TrimSpace(in.Title) == "" {
			return nil, badRequest("space title is required")
		}
		space, committed, err := d.store.CreateSpace(ctx, userID, in.Title, d.now())
		d.broker.publish(ctx, committed)
		if err != nil {
			return nil, d.storeFault(err, "space")
		}
		return &protocol.CreateSpaceResult{Space: space}, nil

	case *protocol.AddSpaceMemberInput:
		if err := d.access.checkSpace(ctx, in.SpaceID, userID); err != nil {
			return nil, d.accessFault(err, "space")
		}
		if _, err := d.store.UserByID(ctx, in.UserID); err != nil {
			return nil, d.storeFault(err, "user")
		}
		committed, err := d.store.AddSpaceMember(ctx, in.SpaceID, in.UserID, d.now())
		d.broker.publish(ctx, committed)
		if err != nil {
			return nil, d.storeFault(err, "space")
		}
		return &protocol.AddSpaceMemberResult{SpaceID: in.SpaceID, UserID: in.UserID}, nil

	case *protocol.UpdateUserStatusInput:
		committed, err := d.store.SetUserStatus(ctx, userID, in.Online, d.now())
		d.broker.publish(ctx, committed)
		if err != nil {
			return nil, d.storeFault(err, "user")
		}
		return &protocol.UpdateUserStatusResult{}, nil

	case *protocol.GetUpdatesStateInput:
		for _, bucket := range in.Buckets {
			if fault := d.checkBucket(ctx, userID, bucket); fault != nil {
				return nil, fault
			}
		}
		states, err := d.store.BucketStates(ctx, in.Buckets)
		if err != nil {
			return nil, d.storeFault(err, "bucket state")
		}
		return &protocol.GetUpdatesStateResult{States: states}, nil

	case *protocol.GetUpdatesInput:
		if fault := d.checkBucket(ctx, userID, in.Bucket); fault != nil {
			return nil, fault
		}
		page, err := d.store.Updates(ctx, in.Bucket, in.SinceSeq, int(in.Limit))
		if err != nil {
			return nil, d.storeFault(err, "updates")
		}
		return &protocol.GetUpdatesResult{
			ResultType: page.ResultType,
			Updates:    page.Updates,
			Seq:        page.Seq,
			Date:       page.Date,
			Final:      page.Final,
		}, nil

	default:
		return nil, badRequest(fmt.Sprintf("unsupported method %s", method))
	}
}

// checkBucket guards update-log reads: users may only read their own user
// bucket and buckets of chats and spaces they belong to.
func (d *dispatcher) checkBucket(ctx context.Context, userID int64, bucket protocol.Bucket) *rpcFault {
	switch bucket.Kind {
	case protocol.BucketKindUser:
		if bucket.EntityID != userID {
			return forbidden(fmt.Errorf("user %d cannot read bucket of user %d", userID, bucket.EntityID))
		}
		return nil
	case protocol.BucketKindChat:
		if err := d.access.checkChat(ctx, bucket.EntityID, userID); err != nil {
			return d.accessFault(err, "chat")
		}
		return nil
	case protocol.BucketKindSpace:
		if err := d.access.checkSpace(ctx, bucket.EntityID, userID); err != nil {
			return d.accessFault(err, "space")
		}
		return nil
	default:
		return badRequest(fmt.Sprintf("unknown bucket kind %d", bucket.Kind))
	}
}

func (d *dispatcher) accessFault(err error, what string) *rpcFault {
	if errors.Is(err, storage.ErrNotFound) {
		return notFound(what + " not found")
	}
	return forbidden(err)
}

func (d *dispatcher) storeFault(err error, what string) *rpcFault {
	if errors.Is(err, storage.ErrNotFound) {
		return notFound(what + " not found")
	}
	if errors.Is(err, storage.ErrForbidden) {
		return forbidden(err)
	}
	d.log.Error().Err(err).Msg("store call failed")
	return internalFault()
}
