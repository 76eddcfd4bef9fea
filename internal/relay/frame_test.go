package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameCommand(t *testing.T) {
	f, cdpErr := ParseFrame([]byte(`{"id":7,"method":"Page.navigate","params":{"url":"https://example.com"},"sessionId":"s1"}`))
	require.Nil(t, cdpErr)
	require.Nil(t, f.ValidateCommand())

	assert.Equal(t, int64(7), f.ID)
	assert.Equal(t, "Page.navigate", f.Method)
	assert.Equal(t, "s1", f.SessionID)
	assert.True(t, f.IsCommand())
	assert.False(t, f.IsEvent())
	assert.False(t, f.IsResponse())
}

func TestParseFrameMalformed(t *testing.T) {
	_, cdpErr := ParseFrame([]byte(`{"id":`))
	require.NotNil(t, cdpErr)
	assert.Equal(t, int64(CodeInvalidRequest), cdpErr.Code)
}

func TestValidateCommand(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
		ok    bool
	}{
		{"valid", Frame{ID: 1, Method: "Network.enable"}, true},
		{"zero id", Frame{ID: 0, Method: "Network.enable"}, false},
		{"negative id", Frame{ID: -3, Method: "Network.enable"}, false},
		{"no dot", Frame{ID: 1, Method: "enable"}, false},
		{"empty domain", Frame{ID: 1, Method: ".enable"}, false},
		{"empty name", Frame{ID: 1, Method: "Network."}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.frame.ValidateCommand()
			if tc.ok {
				assert.Nil(t, err)
			} else {
				require.NotNil(t, err)
				assert.Equal(t, int64(CodeInvalidRequest), err.Code)
			}
		})
	}
}

func TestFrameKinds(t *testing.T) {
	resp, cdpErr := ParseFrame([]byte(`{"id":3,"result":{}}`))
	require.Nil(t, cdpErr)
	assert.True(t, resp.IsResponse())

	evt, cdpErr := ParseFrame([]byte(`{"method":"Network.requestWillBeSent","params":{}}`))
	require.Nil(t, cdpErr)
	assert.True(t, evt.IsEvent())

	errResp, cdpErr := ParseFrame([]byte(`{"id":4,"error":{"code":-32601,"message":"nope"}}`))
	require.Nil(t, cdpErr)
	assert.True(t, errResp.IsResponse())
	require.NotNil(t, errResp.Error)
	assert.Equal(t, int64(-32601), errResp.Error.Code)
}

func TestFramePreservesUnknownFields(t *testing.T) {
	in := []byte(`{"id":9,"method":"Page.navigate","params":{"url":"x"},"experimentalHint":true,"traceToken":"abc"}`)
	f, cdpErr := ParseFrame(in)
	require.Nil(t, cdpErr)

	out, err := json.Marshal(f)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.JSONEq(t, `true`, string(fields["experimentalHint"]))
	assert.JSONEq(t, `"abc"`, string(fields["traceToken"]))
	assert.JSONEq(t, `9`, string(fields["id"]))
}

func TestMarshalErrorResponseKeepsZeroID(t *testing.T) {
	f := NewErrorFrame(0, "", NewCDPError(CodeInvalidRequest, "malformed frame"))
	out, err := json.Marshal(f)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))
	_, hasID := fields["id"]
	assert.True(t, hasID, "error responses carry an id even when the command id was unrecoverable")
	_, hasResult := fields["result"]
	assert.False(t, hasResult)
}

func TestNewResultDefaultsToEmptyObject(t *testing.T) {
	out, err := json.Marshal(NewResult(5, "s", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":5,"sessionId":"s","result":{}}`, string(out))
}

func TestValidClientID(t *testing.T) {
	assert.True(t, validClientID("playwright-1"))
	assert.True(t, validClientID("a"))
	assert.False(t, validClientID(""))
	assert.False(t, validClientID(string(make([]byte, 65))))
	assert.False(t, validClientID("bad\nid"))
}
