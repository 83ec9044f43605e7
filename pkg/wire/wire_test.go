package wire

import (
	"bytes"
	"testing"

	"github.com/quartzsched/quartz/pkg/bitmap"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	e := &Envelope{
		ProtocolVersion: CurrentVersion,
		MsgType:         RequestPing,
		Body:            []byte("hello"),
		AuthCred:        []byte{0xde, 0xad, 0xbe, 0xef},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, e))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, e.ProtocolVersion, got.ProtocolVersion)
	require.Equal(t, e.MsgType, got.MsgType)
	require.Equal(t, e.Body, got.Body)
	require.Equal(t, e.AuthCred, got.AuthCred)
}

func TestEnvelopeEmptyBodyAndCred(t *testing.T) {
	e := &Envelope{ProtocolVersion: CurrentVersion, MsgType: RequestShutdown}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, e))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Empty(t, got.Body)
	require.Empty(t, got.AuthCred)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x00, 0x01}))
	require.Error(t, err)
}

func TestCheckVersionHardFailsOldVersion(t *testing.T) {
	require.NoError(t, CheckVersion(MinSupportedVersion))
	require.Error(t, CheckVersion(MinSupportedVersion-1))
}

func TestRCBodyRoundTrip(t *testing.T) {
	body := RCBody{ReturnCode: 4, Message: "constraint violation: limit exceeded"}
	got, err := DecodeRC(EncodeRC(body))
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestStringRoundTrip(t *testing.T) {
	buf := PutString(nil, "node[1-3]")
	s, rest, err := GetString(buf)
	require.NoError(t, err)
	require.Equal(t, "node[1-3]", s)
	require.Empty(t, rest)
}

func TestBitmapRoundTrip(t *testing.T) {
	b := bitmap.New(20)
	b.Set(1)
	b.Set(19)

	buf := PutBitmap(nil, b)
	got, rest, err := GetBitmap(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.True(t, bitmap.Equal(b, got))
}

func TestMultiFieldPayloadComposition(t *testing.T) {
	b := bitmap.New(8)
	b.Set(3)

	var buf []byte
	buf = PutString(buf, "node01")
	buf = PutBitmap(buf, b)
	buf = PutString(buf, "trailer")

	name, rest, err := GetString(buf)
	require.NoError(t, err)
	require.Equal(t, "node01", name)

	gotBitmap, rest, err := GetBitmap(rest)
	require.NoError(t, err)
	require.True(t, bitmap.Equal(b, gotBitmap))

	trailer, rest, err := GetString(rest)
	require.NoError(t, err)
	require.Equal(t, "trailer", trailer)
	require.Empty(t, rest)
}
