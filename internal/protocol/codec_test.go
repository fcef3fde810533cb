package protocol

import (
	"bytes"
	"testing"
)

func TestClientMessageRoundTripInit(t *testing.T) {
	msg := &ClientMessage{
		ID:  42,
		Seq: 7,
		Body: &ConnectionInit{
			Token:  "t",
			Layer:  Layer,
			Build:  "1.2.3",
			Device: "test",
		},
	}

	enc, err := MarshalClientMessage(msg)
	if err != nil {
		t.Fatalf("marshal client message: %v", err)
	}
	got, err := UnmarshalClientMessage(enc)
	if err != nil {
		t.Fatalf("unmarshal client message: %v", err)
	}
	if got.ID != 42 || got.Seq != 7 {
		t.Fatalf("expected id=42 seq=7, got id=%d seq=%d", got.ID, got.Seq)
	}
	init, ok := got.Body.(*ConnectionInit)
	if !ok {
		t.Fatalf("expected ConnectionInit body, got %T", got.Body)
	}
	if init.Token != "t" || init.Layer != Layer || init.Build != "1.2.3" || init.Device != "test" {
		t.Fatalf("unexpected init: %+v", init)
	}
}

func TestClientMessageRoundTripRpcCall(t *testing.T) {
	input, err := MarshalRpcInput(MethodSendMessage, &SendMessageInput{ChatID: 9, Text: "hello", RandomID: 31337})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	msg := &ClientMessage{ID: 1, Body: &RpcCall{Method: MethodSendMessage, Input: input}}

	enc, err := MarshalClientMessage(msg)
	if err != nil {
		t.Fatalf("marshal client message: %v", err)
	}
	got, err := UnmarshalClientMessage(enc)
	if err != nil {
		t.Fatalf("unmarshal client message: %v", err)
	}
	call, ok := got.Body.(*RpcCall)
	if !ok {
		t.Fatalf("expected RpcCall body, got %T", got.Body)
	}
	if call.Method != MethodSendMessage {
		t.Fatalf("expected method sendMessage, got %s", call.Method)
	}
	decoded, err := UnmarshalRpcInput(call.Method, call.Input)
	if err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	in, ok := decoded.(*SendMessageInput)
	if !ok {
		t.Fatalf("expected SendMessageInput, got %T", decoded)
	}
	if in.ChatID != 9 || in.Text != "hello" || in.RandomID != 31337 {
		t.Fatalf("unexpected input: %+v", in)
	}
}

func TestServerMessageRoundTripConnectionOpen(t *testing.T) {
	enc, err := MarshalServerMessage(&ServerMessage{ID: 5, Body: &ConnectionOpen{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalServerMessage(enc)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got.Body.(*ConnectionOpen); !ok {
		t.Fatalf("expected ConnectionOpen body, got %T", got.Body)
	}
}

func TestServerMessageRoundTripUpdates(t *testing.T) {
	payload := &UpdatesPayload{
		Bucket: Bucket{Kind: BucketKindChat, EntityID: 12},
		Updates: []Update{
			{Seq: 3, Date: 1700000000, Payload: &UpdateNewMessage{Message: Message{GlobalID: 100, ChatID: 12, FromID: 1, Date: 1700000000, Text: "hi"}}},
			{Seq: 4, Date: 1700000001, Payload: &UpdateDeleteMessages{ChatID: 12, MessageIDs: []int64{100, 101}}},
		},
	}

	enc, err := MarshalServerMessage(&ServerMessage{ID: 8, Body: payload})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalServerMessage(enc)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	up, ok := got.Body.(*UpdatesPayload)
	if !ok {
		t.Fatalf("expected UpdatesPayload body, got %T", got.Body)
	}
	if up.Bucket != (Bucket{Kind: BucketKindChat, EntityID: 12}) {
		t.Fatalf("unexpected bucket: %+v", up.Bucket)
	}
	if len(up.Updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(up.Updates))
	}
	if up.Updates[0].Seq != 3 {
		t.Fatalf("expected first seq 3, got %d", up.Updates[0].Seq)
	}
	newMsg, ok := up.Updates[0].Payload.(*UpdateNewMessage)
	if !ok {
		t.Fatalf("expected UpdateNewMessage, got %T", up.Updates[0].Payload)
	}
	if newMsg.Message.Text != "hi" {
		t.Fatalf("expected text hi, got %q", newMsg.Message.Text)
	}
	del, ok := up.Updates[1].Payload.(*UpdateDeleteMessages)
	if !ok {
		t.Fatalf("expected UpdateDeleteMessages, got %T", up.Updates[1].Payload)
	}
	if len(del.MessageIDs) != 2 || del.MessageIDs[0] != 100 || del.MessageIDs[1] != 101 {
		t.Fatalf("unexpected message ids: %v", del.MessageIDs)
	}
}

func TestRpcErrorRoundTrip(t *testing.T) {
	enc, err := MarshalServerMessage(&ServerMessage{
		ID:   2,
		Body: &RpcError{ReqMsgID: 44, ErrorCode: "PEER_ID_INVALID", Code: 400, Message: "bad peer"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalServerMessage(enc)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rpcErr, ok := got.Body.(*RpcError)
	if !ok {
		t.Fatalf("expected RpcError body, got %T", got.Body)
	}
	if rpcErr.ReqMsgID != 44 || rpcErr.ErrorCode != "PEER_ID_INVALID" || rpcErr.Code != 400 {
		t.Fatalf("unexpected rpc error: %+v", rpcErr)
	}
}

func TestGetUpdatesResultRoundTrip(t *testing.T) {
	res := &GetUpdatesResult{
		ResultType: GetUpdatesTooLong,
		Seq:        10,
		Date:       200,
		Final:      false,
	}
	enc, err := MarshalRpcResult(MethodGetUpdates, res)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	decoded, err := UnmarshalRpcResult(MethodGetUpdates, enc)
	if err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	got, ok := decoded.(*GetUpdatesResult)
	if !ok {
		t.Fatalf("expected GetUpdatesResult, got %T", decoded)
	}
	if got.ResultType != GetUpdatesTooLong {
		t.Fatalf("expected TOO_LONG, got %d", got.ResultType)
	}
	if got.Seq != 10 || got.Date != 200 || got.Final {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(got.Updates) != 0 {
		t.Fatalf("expected no updates, got %d", len(got.Updates))
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	enc, err := MarshalServerMessage(&ServerMessage{ID: 1, Body: &Pong{Nonce: 99}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Append an unknown varint field (number 100).
	enc = append(enc, 0xa0, 0x06, 0x01)

	got, err := UnmarshalServerMessage(enc)
	if err != nil {
		t.Fatalf("unmarshal with unknown field: %v", err)
	}
	pong, ok := got.Body.(*Pong)
	if !ok {
		t.Fatalf("expected Pong body, got %T", got.Body)
	}
	if pong.Nonce != 99 {
		t.Fatalf("expected nonce 99, got %d", pong.Nonce)
	}
}

func TestUnmarshalRejectsTruncatedFrame(t *testing.T) {
	enc, err := MarshalServerMessage(&ServerMessage{ID: 1, Body: &ConnectionError{Code: ConnErrUnauthorized, Message: "bad token"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalServerMessage(enc[:len(enc)-3]); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestUnmarshalRejectsBodylessFrames(t *testing.T) {
	if _, err := UnmarshalClientMessage(nil); err == nil {
		t.Fatal("expected error for empty client frame")
	}
	if _, err := UnmarshalServerMessage(nil); err == nil {
		t.Fatal("expected error for empty server frame")
	}
}

func TestUpdateSealableEncodingIsStable(t *testing.T) {
	u := &Update{Seq: 5, Date: 12345, Payload: &UpdateUserStatus{UserID: 7, Online: true, LastSeen: 12000}}
	a, err := MarshalUpdate(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := MarshalUpdate(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected deterministic update encoding")
	}
}
