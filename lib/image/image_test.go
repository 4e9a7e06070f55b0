package image

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSealingKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func createTestImage(t *testing.T, sealingKey []byte, protected bool) *Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instance.img")
	im, err := Create(path, sealingKey, protected)
	require.NoError(t, err)
	return im
}

func TestLocatePartitions(t *testing.T) {
	key := testSealingKey(t)
	im := createTestImage(t, key, true)

	for _, id := range []uuid.UUID{
		PartitionIdentity,
		PartitionBootloader,
		PartitionBootEnv,
		PartitionFirmware,
		PartitionGuestOS,
		PartitionPayload,
		PartitionService,
	} {
		off, found, err := im.Locate(id)
		require.NoError(t, err)
		assert.True(t, found, "partition %s", id)
		// Data starts on the block following the header block.
		assert.Zero(t, off%BlockSize)
		assert.Positive(t, off)
	}

	_, found, err := im.Locate(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFirmwarePartitionAbsentWhenNotProtected(t *testing.T) {
	key := testSealingKey(t)
	im := createTestImage(t, key, false)

	_, found, err := im.Locate(PartitionFirmware)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, im.VerifyIntegrity(key, false))
}

func TestVerifyIntegrityFreshImage(t *testing.T) {
	key := testSealingKey(t)
	assert.NoError(t, createTestImage(t, key, true).VerifyIntegrity(key, true))
	assert.NoError(t, createTestImage(t, key, false).VerifyIntegrity(key, false))
}

func flipBit(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	b := make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] ^= 1
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
}

func TestSingleBitFlipFailsVerification(t *testing.T) {
	key := testSealingKey(t)

	measured := map[string]uuid.UUID{
		"bootloader": PartitionBootloader,
		"bootenv":    PartitionBootEnv,
		"firmware":   PartitionFirmware,
		"guest-os":   PartitionGuestOS,
		"payload":    PartitionPayload,
		"service":    PartitionService,
	}
	for name, id := range measured {
		t.Run(name, func(t *testing.T) {
			im := createTestImage(t, key, true)
			off, found, err := im.Locate(id)
			require.NoError(t, err)
			require.True(t, found)

			flipBit(t, im.Path(), off)
			assert.ErrorIs(t, im.VerifyIntegrity(key, true), ErrIntegrity)
		})
	}
}

func TestTamperedDigestTableFailsVerification(t *testing.T) {
	key := testSealingKey(t)
	im := createTestImage(t, key, true)

	off, found, err := im.Locate(PartitionIdentity)
	require.NoError(t, err)
	require.True(t, found)

	// Land inside the recorded salt so the ledger still parses but its MAC
	// no longer verifies.
	flipBit(t, im.Path(), off+10)
	assert.ErrorIs(t, im.VerifyIntegrity(key, true), ErrIntegrity)
}

func TestVerifyIntegrityWrongSealingKey(t *testing.T) {
	key := testSealingKey(t)
	im := createTestImage(t, key, true)
	assert.ErrorIs(t, im.VerifyIntegrity(testSealingKey(t), true), ErrIntegrity)
}

func decodeChain(t *testing.T, chain []byte) []cbor.RawMessage {
	t.Helper()
	var entries []cbor.RawMessage
	require.NoError(t, cbor.Unmarshal(chain, &entries))
	return entries
}

func TestAttestationChainShape(t *testing.T) {
	key := testSealingKey(t)

	t.Run("non-protected has root key and one certificate", func(t *testing.T) {
		im := createTestImage(t, key, false)
		chain, err := im.AttestationChain(key, false, "nonce-1")
		require.NoError(t, err)
		assert.Len(t, decodeChain(t, chain), 2)
	})

	t.Run("protected measures every boot stage", func(t *testing.T) {
		im := createTestImage(t, key, true)
		chain, err := im.AttestationChain(key, true, "nonce-1")
		require.NoError(t, err)
		// Root key plus firmware, boot environment, guest OS, payload and
		// in-guest service certificates.
		assert.Len(t, decodeChain(t, chain), 6)
	})
}

func TestAttestationChainVariesAcrossBoots(t *testing.T) {
	key := testSealingKey(t)
	im := createTestImage(t, key, true)

	first, err := im.AttestationChain(key, true, "boot-a")
	require.NoError(t, err)
	second, err := im.AttestationChain(key, true, "boot-b")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestInstanceSecretProperties(t *testing.T) {
	key := testSealingKey(t)
	var identity [32]byte
	copy(identity[:], []byte("identity-digest-for-test-vm-0001"))

	imA := createTestImage(t, key, true)
	imB := createTestImage(t, key, true)

	secretA1, err := imA.InstanceSecret(key, identity)
	require.NoError(t, err)
	secretA2, err := imA.InstanceSecret(key, identity)
	require.NoError(t, err)
	secretB, err := imB.InstanceSecret(key, identity)
	require.NoError(t, err)

	// Stable for the same instance, distinct across instances created from
	// identical inputs.
	assert.Equal(t, secretA1, secretA2)
	assert.NotEqual(t, secretA1, secretB)
	assert.Len(t, secretA1, 32)

	// An identity change rotates the secret.
	var otherIdentity [32]byte
	copy(otherIdentity[:], []byte("identity-digest-for-test-vm-0002"))
	rotated, err := imA.InstanceSecret(key, otherIdentity)
	require.NoError(t, err)
	assert.NotEqual(t, secretA1, rotated)
}

func TestInstanceSecretRequiresIntactImage(t *testing.T) {
	key := testSealingKey(t)
	im := createTestImage(t, key, true)

	off, found, err := im.Locate(PartitionIdentity)
	require.NoError(t, err)
	require.True(t, found)
	flipBit(t, im.Path(), off+10)

	var identity [32]byte
	_, err = im.InstanceSecret(key, identity)
	assert.ErrorIs(t, err, ErrIntegrity)
}
