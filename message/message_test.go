package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostAddressEqualIgnoresAbsentFields(t *testing.T) {
	a := LocalPort(9000)
	b := LocalPortWithName(9000, "app")
	c := HostAddress{Host: "localhost", Port: 9000, DeviceID: "XYZ"}

	require.True(t, a.Equal(b))
	require.True(t, b.Equal(a))
	require.True(t, a.Equal(c))
	require.True(t, b.Equal(c))

	require.False(t, b.Equal(LocalPortWithName(9000, "other")))
	require.False(t, a.Equal(LocalPort(9001)))
	require.False(t, a.Equal(HostAddress{Host: "10.0.0.2", Port: 9000}))
}

func TestHostAddressKinds(t *testing.T) {
	require.False(t, LocalPort(1).IsDevice())
	require.True(t, HostAddress{Port: 1, DeviceID: "d"}.IsDevice())

	require.True(t, Named("app").NeedsResolution())
	require.False(t, LocalPortWithName(12, "app").NeedsResolution())

	require.Equal(t, "127.0.0.1:9000", LocalPort(9000).DialAddress())
	require.Equal(t, "name/app", Named("app").Key())
	require.Equal(t, "127.0.0.1:12/app", LocalPortWithName(12, "app").Key())
	require.NotEqual(t, LocalPortWithName(12, "app").Key(), LocalPortWithName(12, "other").Key())
	require.Equal(t, "127.0.0.1:12", LocalPort(12).Key())
}

func TestParseHostAddress(t *testing.T) {
	addr, err := ParseHostAddress("127.0.0.1:11237")
	require.NoError(t, err)
	require.Equal(t, uint16(11237), addr.Port)
	require.Equal(t, "127.0.0.1", addr.Host)

	_, err = ParseHostAddress("127.0.0.1:99999")
	require.Error(t, err)
}

func TestValueValidate(t *testing.T) {
	require.NoError(t, Int(5).Validate())
	require.NoError(t, Handle(ObjectHandle{ProcessOriginID: 1, LocalID: 2}).Validate())
	require.NoError(t, Inline("T", []byte{1}).Validate())

	require.Error(t, Value{Kind: KindHandle}.Validate())
	require.Error(t, Value{Kind: KindInline}.Validate())
	require.Error(t, Value{Kind: 42}.Validate())
	require.Equal(t, "handle", KindHandle.String())
}
