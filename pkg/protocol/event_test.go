package protocol_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ephone/linkchat/pkg/protocol"
)

func TestValidIdentity(t *testing.T) {
	valid := []string{"alice01", "bob_the_2nd", "abc", strings.Repeat("a", 20)}
	for _, id := range valid {
		if !protocol.ValidIdentity(id) {
			t.Errorf("ValidIdentity(%q) = false, want true", id)
		}
	}

	invalid := []string{"", "ab", strings.Repeat("a", 21), "alice!", "小明", "a b"}
	for _, id := range invalid {
		if protocol.ValidIdentity(id) {
			t.Errorf("ValidIdentity(%q) = true, want false", id)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	req := require.New(t)

	data, err := protocol.Encode(protocol.Register{
		Type:        protocol.TypeRegister,
		Identity:    "alice01",
		DisplayName: "Alice",
	})
	req.NoError(err)

	typ, err := protocol.PeekType(data)
	req.NoError(err)
	req.Equal(protocol.TypeRegister, typ)

	ev, err := protocol.Decode[protocol.Register](data)
	req.NoError(err)
	req.Equal("alice01", ev.Identity)
	req.Equal("Alice", ev.DisplayName)
}

func TestDecode_MissingRequiredField(t *testing.T) {
	req := require.New(t)

	// send_message without content
	raw := []byte(`{"type":"send_message","toIdentity":"bob","fromIdentity":"alice01"}`)
	_, err := protocol.Decode[protocol.SendMessage](raw)
	req.Error(err)
}

func TestPeekType_Malformed(t *testing.T) {
	req := require.New(t)

	_, err := protocol.PeekType([]byte(`not json`))
	req.Error(err)

	_, err = protocol.PeekType([]byte(`{"content":"no type"}`))
	req.ErrorIs(err, protocol.ErrMissingType)
}

func TestEncode_FrameTooLarge(t *testing.T) {
	big := protocol.SendMessage{
		Type:         protocol.TypeSendMessage,
		ToIdentity:   "bob",
		FromIdentity: "alice01",
		Content:      strings.Repeat("x", protocol.MaxFrameBytes+1),
	}
	_, err := protocol.Encode(big)
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
}
