package credential

import (
	"testing"
	"time"

	"github.com/quartzsched/quartz/pkg/bitmap"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/stretchr/testify/require"
)

func testCredential() *types.Credential {
	bm := bitmap.New(8)
	bm.Set(1)
	bm.Set(2)
	return &types.Credential{
		JobID:       42,
		StepID:      types.StepBatchScript,
		UID:         1000,
		GID:         1000,
		NodeList:    "node[00-01]",
		CoreBitmaps: map[string]*bitmap.Bitmap{"node00": bm},
		MemoryPerMB: 4096,
		Expiration:  time.Now().Add(time.Hour),
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)

	signer := NewSigner(priv)
	verifier := NewVerifier(pub)

	c := testCredential()
	require.NoError(t, signer.Sign(c))
	require.NoError(t, verifier.Verify(c, time.Now()))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)
	signer := NewSigner(priv)
	verifier := NewVerifier(pub)

	c := testCredential()
	require.NoError(t, signer.Sign(c))
	c.UID = 0 // tamper after signing

	err = verifier.Verify(c, time.Now())
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)
	signer := NewSigner(priv)
	verifier := NewVerifier(pub)

	c := testCredential()
	c.Expiration = time.Now().Add(-time.Minute)
	require.NoError(t, signer.Sign(c))

	err = verifier.Verify(c, time.Now())
	require.Error(t, err)
}

func TestVerifyIdempotentReplay(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)
	signer := NewSigner(priv)
	verifier := NewVerifier(pub)

	c := testCredential()
	require.NoError(t, signer.Sign(c))

	require.NoError(t, verifier.Verify(c, time.Now()))
	require.NoError(t, verifier.Verify(c, time.Now()))
}

func TestRevocationBlocksLateArrival(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)
	signer := NewSigner(priv)
	verifier := NewVerifier(pub)

	c := testCredential()
	require.NoError(t, signer.Sign(c))

	verifier.Revoke(c.JobID, c.Expiration, 5*time.Minute)
	require.True(t, verifier.IsRevoked(c.JobID, time.Now()))

	err = verifier.Verify(c, time.Now())
	require.Error(t, err)
}

func TestSwitchRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NoneProvider{}))

	p, err := reg.Get(NonePluginID)
	require.NoError(t, err)
	require.Equal(t, NonePluginID, p.PluginID())

	_, err = reg.Get(9999)
	require.Error(t, err)
}

func TestSwitchRegistryRejectsDuplicatePluginID(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NoneProvider{}))
	err := reg.Register(NoneProvider{})
	require.Error(t, err)
}

func TestNoneProviderHooksAreNoops(t *testing.T) {
	var p NoneProvider
	require.NoError(t, p.NodeInit())
	require.NoError(t, p.Preinit(1))
	require.NoError(t, p.Init(1))
	require.NoError(t, p.Fini(1))
	require.NoError(t, p.Postinit(1))
	require.NoError(t, p.SuspendTest(1))
	require.NoError(t, p.SuspendDo(1))
	require.NoError(t, p.ResumeDo(1))
	require.NoError(t, p.NodeFini())
}
