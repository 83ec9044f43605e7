/*
Package security provides cryptographic services for Quartz clusters.

It implements two capabilities that the controller and agents build on:
secrets encryption with AES-256-GCM, and a certificate authority for
mutual TLS between ctld, agentd, and any CLI client.

# Secrets encryption

SecretsManager encrypts and decrypts arbitrary byte payloads (signing
keys, association secrets) with AES-256-GCM:

	sm, err := security.NewSecretsManager(key) // 32-byte key
	ciphertext, err := sm.EncryptSecret(plaintext)
	plaintext, err := sm.DecryptSecret(ciphertext)

Each call generates a random 12-byte nonce and stores it ahead of the
ciphertext and authentication tag, so decryption fails loudly on a
wrong key or on tampering rather than returning corrupted data.

SealSigningKey/UnsealSigningKey wrap the same primitive for an ed25519
credential-signing key. cmd/ctld does not call them: it encrypts the
controller's signing key with the package-level Encrypt helper before
storing it, so the key is kept encrypted at rest in the resource store.

NewSecretsManagerFromPassword and DeriveKeyFromClusterID both derive a
32-byte AES key via SHA-256 when the caller has a passphrase or a
cluster ID instead of raw key material. SetClusterEncryptionKey installs
a process-wide key used by the package-level Encrypt/Decrypt helpers.

# Certificate authority

CertAuthority holds a self-signed root certificate and issues
short-lived leaf certificates for cluster members:

	ca := security.NewCertAuthority(store)
	ca.Initialize()           // generates the root, once per cluster
	ca.SaveToStore()          // persists root cert + encrypted root key

	tlsCert, err := ca.IssueNodeCertificate(nodeID, role, dnsNames, ips)
	tlsCert, err := ca.IssueClientCertificate(clientID)

	err = ca.VerifyCertificate(leafCert)

The root key never leaves the controller process; LoadFromStore
decrypts it back into memory on restart using the same cluster
encryption key that protects secrets.

# Certificate files

certs.go handles the agent/CLI side of the relationship: reading and
writing a node's certificate, key, and CA chain to a local directory
(GetCertDir, SaveCertToFile, LoadCertFromFile, LoadCACertFromFile) and
answering whether a certificate needs rotation (CertNeedsRotation,
within 30 days of expiry) or should be removed (RemoveCerts).

# Integration

ctld's bootstrap path calls Initialize/SaveToStore once, then serves
IssueNodeCertificate (role "member") to agents and CLI clients alike
over the join-token-authenticated cert-issuance RPC;
IssueClientCertificate has no caller in cmd/ctld. agentd and CLI clients call
LoadCertFromFile/LoadCACertFromFile to configure mTLS on every
subsequent connection, falling back to the bootstrap RPC only when no
certificate is cached locally.
*/
package security
