package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openuds/engine/pkg/security"
)

func samplePayload() Map {
	return Map{
		"machine_id": Str("vm-0042"),
		"cpus":       Int(4),
		"weight":     Float(0.75),
		"ready":      Bool(true),
		"nics":       List([]string{"52:54:00:11:22:33", "52:54:00:44:55:66"}),
		"tags":       Dict(map[string]string{"pool": "win10", "rev": "8"}),
		"admin_pass": Password("hunter2"),
	}
}

func TestPlainMagicAndCRC(t *testing.T) {
	c, err := NewCodec(nil, false, false)
	require.NoError(t, err)

	data, err := c.Marshal(samplePayload())
	require.NoError(t, err)
	assert.Equal(t, MagicPlain, string(data[:6]))

	got, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, samplePayload(), got)

	// Flip one byte in the record section: CRC must catch it.
	data[len(data)-1] ^= 0xff
	_, err = c.Unmarshal(data)
	assert.ErrorContains(t, err, "CRC mismatch")
}

func TestCompressedLayer(t *testing.T) {
	c, err := NewCodec(nil, true, false)
	require.NoError(t, err)

	data, err := c.Marshal(samplePayload())
	require.NoError(t, err)
	assert.Equal(t, MagicCompressed, string(data[:6]))

	got, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, samplePayload(), got)
}

func TestEncryptedLayer(t *testing.T) {
	crypter, err := security.NewCrypterFromSecret("site-secret")
	require.NoError(t, err)

	c, err := NewCodec(crypter, true, true)
	require.NoError(t, err)

	data, err := c.Marshal(samplePayload())
	require.NoError(t, err)
	assert.Equal(t, MagicEncrypted, string(data[:6]))

	got, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, samplePayload(), got)

	// A codec keyed with a different site secret must refuse the payload.
	other, _ := security.NewCrypterFromSecret("other-secret")
	oc, _ := NewCodec(other, true, true)
	_, err = oc.Unmarshal(data)
	assert.Error(t, err)
}

// Payloads written before compression or encryption was enabled must
// stay readable: Unmarshal dispatches on the magic, not on the codec
// settings.
func TestUnmarshalAutoDetectsOlderLayers(t *testing.T) {
	crypter, err := security.NewCrypterFromSecret("site-secret")
	require.NoError(t, err)

	plainCodec, _ := NewCodec(nil, false, false)
	old, err := plainCodec.Marshal(samplePayload())
	require.NoError(t, err)

	current, err := NewCodec(crypter, true, true)
	require.NoError(t, err)
	got, err := current.Unmarshal(old)
	require.NoError(t, err)
	assert.Equal(t, samplePayload(), got)
}

func TestUnknownMagicRejected(t *testing.T) {
	c, _ := NewCodec(nil, false, false)
	_, err := c.Unmarshal([]byte("XXYYZZ rest"))
	assert.ErrorContains(t, err, "unknown payload magic")

	_, err = c.Unmarshal([]byte("ab"))
	assert.ErrorContains(t, err, "too short")
}

func TestEncryptRequiresCrypter(t *testing.T) {
	_, err := NewCodec(nil, false, true)
	assert.Error(t, err)
}
