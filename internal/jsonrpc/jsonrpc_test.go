package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		wantErr error
		request bool
	}{
		{"request", `{"id":1,"jsonrpc":"2.0","method":"irn_subscribe","params":{"topic":"t"}}`, nil, true},
		{"response", `{"id":1,"jsonrpc":"2.0","result":true}`, nil, false},
		{"error response", `{"id":1,"jsonrpc":"2.0","error":{"code":-32000,"message":"x"}}`, nil, false},
		{"not json", `{"id":1,`, ErrInvalidJSON, false},
		{"plain text", `hello`, ErrInvalidJSON, false},
		{"json string", `"abc"`, ErrInvalidJSON, false},
		{"padded json string", " \"{\\\"id\\\":1}\" ", ErrInvalidJSON, false},
		{"json number", `42`, ErrUnsupported, false},
		{"json array", `[1,2]`, ErrUnsupported, false},
		{"missing id", `{"jsonrpc":"2.0","method":"irn_publish"}`, ErrUnsupported, false},
		{"wrong version", `{"id":1,"jsonrpc":"1.0","method":"irn_publish"}`, ErrUnsupported, false},
		{"neither method nor result", `{"id":1,"jsonrpc":"2.0"}`, ErrUnsupported, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Parse([]byte(tc.frame))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.request, p.IsRequest())
		})
	}
}

func TestParseMethod(t *testing.T) {
	d, name, ok := ParseMethod("waku_batchSubscribe")
	require.True(t, ok)
	assert.Equal(t, DialectWaku, d)
	assert.Equal(t, MethodBatchSubscribe, name)
	assert.True(t, d.Legacy())
	assert.Equal(t, "waku_subscription", d.Method(MethodSubscription))

	d, _, ok = ParseMethod("irn_publish")
	require.True(t, ok)
	assert.False(t, d.Legacy())

	for _, bad := range []string{"eth_call", "irn", "irn_", "publish"} {
		_, _, ok := ParseMethod(bad)
		assert.False(t, ok, bad)
	}
}

func TestResponseEncoding(t *testing.T) {
	b, err := json.Marshal(NewResult(json.RawMessage(`"abc"`), true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","jsonrpc":"2.0","result":true}`, string(b))

	b, err = json.Marshal(NewError(nil, CodeMethodNotFound, "Method not found"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":null,"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"}}`, string(b))
}

func TestPayloadID(t *testing.T) {
	before := time.Now().UnixMilli() * 1000
	id := PayloadID()
	after := (time.Now().UnixMilli() + 1) * 1000
	assert.GreaterOrEqual(t, id, before)
	assert.Less(t, id, after)
}

func TestDecodeParams(t *testing.T) {
	var p PublishParams
	require.NoError(t, DecodeParams(json.RawMessage(`{"topic":"t","message":"m","ttl":30,"tag":1100}`), &p))
	assert.Equal(t, PublishParams{Topic: "t", Message: "m", TTL: 30, Tag: 1100}, p)

	invalid := map[string]struct {
		raw string
		dst interface{}
	}{
		"missing":        {``, &PublishParams{}},
		"null":           {`null`, &PublishParams{}},
		"no topic":       {`{"message":"m","ttl":30}`, &PublishParams{}},
		"zero ttl":       {`{"topic":"t","message":"m","ttl":0}`, &PublishParams{}},
		"wrong type":     {`{"topic":5}`, &SubscribeParams{}},
		"empty topics":   {`{"topics":[]}`, &BatchSubscribeParams{}},
		"blank topic":    {`{"topics":["a",""]}`, &BatchFetchMessagesParams{}},
		"bad batch item": {`{"messages":[{"topic":"t","ttl":-1}]}`, &BatchPublishParams{}},
		"no sub id":      {`{"subscriptions":[{"topic":"t"}]}`, &BatchUnsubscribeParams{}},
	}
	for name, tc := range invalid {
		t.Run(name, func(t *testing.T) {
			err := DecodeParams(json.RawMessage(tc.raw), tc.dst)
			require.Error(t, err)
			assert.True(t, relayErrors.HasCode(err, relayErrors.CodeInvalidParams))
		})
	}
}

func TestErrorFrom(t *testing.T) {
	assert.Equal(t, &Error{Code: CodeMethodNotFound, Message: "Method not found"},
		ErrorFrom(relayErrors.MethodNotFound("irn_nope")))
	assert.Equal(t, &Error{Code: CodeInvalidRequest, Message: "Invalid Request"},
		ErrorFrom(relayErrors.InvalidRequest("server only")))
	assert.Equal(t, &Error{Code: CodeServerError, Message: "requested ttl is above 86400 seconds"},
		ErrorFrom(relayErrors.TTLExceeded(86400)))
	assert.Equal(t, &Error{Code: CodeServerError, Message: "connection refused"},
		ErrorFrom(relayErrors.StoreError("put", errors.New("connection refused"))))
	assert.Equal(t, &Error{Code: CodeServerError, Message: "boom"},
		ErrorFrom(errors.New("boom")))

	e := ErrorFrom(relayErrors.InvalidParams(errors.New("topic missing")))
	assert.Equal(t, CodeInvalidParams, e.Code)
	assert.Equal(t, "topic missing", e.Data)
}
