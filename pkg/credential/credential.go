// Package credential implements the signed job credential substrate
// (spec module F): Ed25519-signed credentials, a per-(job,step) verify
// cache with idempotent replay, a revocation list, and the switch
// plugin registry.
package credential

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quartzsched/quartz/pkg/bitmap"
	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/types"
)

// Signer holds the controller's private key and produces signed
// credentials.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner wraps an existing Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv}
}

// GenerateKeypair creates a fresh signing keypair, e.g. at first
// controller startup.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// payload is the signed portion of a credential, excluding the
// signature itself.
type payload struct {
	JobID       types.JobID
	StepID      types.StepID
	UID         int
	GID         int
	NodeList    string
	MemoryPerMB int64
	Expiration  int64 // unix seconds
}

func toPayload(c *types.Credential) payload {
	return payload{
		JobID:       c.JobID,
		StepID:      c.StepID,
		UID:         c.UID,
		GID:         c.GID,
		NodeList:    c.NodeList,
		MemoryPerMB: c.MemoryPerMB,
		Expiration:  c.Expiration.Unix(),
	}
}

// Sign produces the signature bytes for c and stores them in
// c.Signature. Core bitmaps are covered by the signature via their wire
// pack form.
func (s *Signer) Sign(c *types.Credential) error {
	p := toPayload(c)
	buf, err := json.Marshal(p)
	if err != nil {
		return errs.Wrap(errs.InternalError, "credential.Sign", "marshal payload failed", err)
	}
	for _, name := range sortedKeys(c.CoreBitmaps) {
		buf = append(buf, name...)
		buf = append(buf, c.CoreBitmaps[name].Pack()...)
	}
	c.Signature = ed25519.Sign(s.priv, buf)
	return nil
}

func sortedKeys(m map[string]*bitmap.Bitmap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Verifier checks credential signatures against the controller's public
// key and maintains the verify cache and revocation list.
type Verifier struct {
	pub ed25519.PublicKey

	mu          sync.Mutex
	verifyCache map[cacheKey]cachedVerify
	revoked     map[types.JobID]time.Time // job id -> revoked-until (expiration + grace)
}

type cacheKey struct {
	job  types.JobID
	step types.StepID
}

type cachedVerify struct {
	signature []byte
	expiresAt time.Time
}

// NewVerifier constructs a Verifier for the given public key.
func NewVerifier(pub ed25519.PublicKey) *Verifier {
	return &Verifier{
		pub:         pub,
		verifyCache: make(map[cacheKey]cachedVerify),
		revoked:     make(map[types.JobID]time.Time),
	}
}

// Verify checks c's signature and revocation status. Identical
// credentials replayed within the expiration window are accepted
// idempotently without re-running the signature check.
func (v *Verifier) Verify(c *types.Credential, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if until, ok := v.revoked[c.JobID]; ok && now.Before(until) {
		return errs.New(errs.AccessDenied, "credential.Verify", "job is revoked")
	}
	if now.After(c.Expiration) {
		return errs.New(errs.AccessDenied, "credential.Verify", "credential expired")
	}

	key := cacheKey{job: c.JobID, step: c.StepID}
	if cached, ok := v.verifyCache[key]; ok && bytesEqual(cached.signature, c.Signature) && now.Before(cached.expiresAt) {
		return nil
	}

	p := toPayload(c)
	buf, err := json.Marshal(p)
	if err != nil {
		return errs.Wrap(errs.InternalError, "credential.Verify", "marshal payload failed", err)
	}
	for _, name := range sortedKeys(c.CoreBitmaps) {
		buf = append(buf, name...)
		buf = append(buf, c.CoreBitmaps[name].Pack()...)
	}
	if !ed25519.Verify(v.pub, buf, c.Signature) {
		return errs.New(errs.AccessDenied, "credential.Verify", "signature verification failed")
	}

	v.verifyCache[key] = cachedVerify{signature: c.Signature, expiresAt: c.Expiration}
	return nil
}

// Revoke marks jobID's credentials invalid until expiration+grace, so a
// late-arriving credential for a killed job cannot resurrect it.
func (v *Verifier) Revoke(jobID types.JobID, expiration time.Time, grace time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revoked[jobID] = expiration.Add(grace)
}

// IsRevoked reports whether jobID is currently within its revocation
// window.
func (v *Verifier) IsRevoked(jobID types.JobID, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	until, ok := v.revoked[jobID]
	return ok && now.Before(until)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SwitchProvider is the capability interface every interconnect/switch
// plugin implements. Only one reference (no-op) implementation ships in
// this module; real fabrics register their own provider at startup.
type SwitchProvider interface {
	PluginID() uint32
	Allocate(jobID types.JobID, nodeList string) ([]byte, error)
	Free(jobID types.JobID, packed []byte) error
	Pack(info []byte) []byte
	Unpack(buf []byte) ([]byte, error)
	NodeInit() error
	NodeFini() error
	Preinit(jobID types.JobID) error
	Init(jobID types.JobID) error
	Fini(jobID types.JobID) error
	Postinit(jobID types.JobID) error
	SuspendTest(jobID types.JobID) error
	SuspendDo(jobID types.JobID) error
	ResumeDo(jobID types.JobID) error
}

// Registry maps a 32-bit plugin id to its provider, so credentials
// carrying a plugin_id can survive a cross-version upgrade even when
// the running build only supports a subset of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[uint32]SwitchProvider
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[uint32]SwitchProvider)}
}

// Register adds a provider under its own PluginID.
func (r *Registry) Register(p SwitchProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.PluginID()]; exists {
		return errs.New(errs.ConfigurationError, "credential.Register", fmt.Sprintf("plugin id %d already registered", p.PluginID()))
	}
	r.providers[p.PluginID()] = p
	return nil
}

// Get returns the provider for pluginID.
func (r *Registry) Get(pluginID uint32) (SwitchProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[pluginID]
	if !ok {
		return nil, errs.New(errs.ConfigurationError, "credential.Get", fmt.Sprintf("unknown plugin id %d", pluginID))
	}
	return p, nil
}

// NoneProvider is the reference "no interconnect" switch provider: every
// hook is a no-op, matching a cluster with no special fabric to manage.
type NoneProvider struct{}

const NonePluginID uint32 = 0

func (NoneProvider) PluginID() uint32 { return NonePluginID }
func (NoneProvider) Allocate(types.JobID, string) ([]byte, error) { return nil, nil }
func (NoneProvider) Free(types.JobID, []byte) error               { return nil }
func (NoneProvider) Pack(info []byte) []byte                      { return info }
func (NoneProvider) Unpack(buf []byte) ([]byte, error)            { return buf, nil }
func (NoneProvider) NodeInit() error                              { return nil }
func (NoneProvider) NodeFini() error                              { return nil }
func (NoneProvider) Preinit(types.JobID) error                    { return nil }
func (NoneProvider) Init(types.JobID) error                       { return nil }
func (NoneProvider) Fini(types.JobID) error                       { return nil }
func (NoneProvider) Postinit(types.JobID) error                   { return nil }
func (NoneProvider) SuspendTest(types.JobID) error                { return nil }
func (NoneProvider) SuspendDo(types.JobID) error                  { return nil }
func (NoneProvider) ResumeDo(types.JobID) error                   { return nil }
