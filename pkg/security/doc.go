/*
Package security provides cryptographic services for a dare-core cluster.

This package implements three core security capabilities: secrets encryption
using AES-256-GCM, a Certificate Authority (CA) for mutual TLS (mTLS), and
certificate lifecycle management. Together, these components protect
sensitive data at rest and can issue certificates for mutual TLS. The
transport and discovery packages do not use these certificates: their
connections are plain TCP and UDP.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    Security Architecture                    │
	└─────┬───────────────────────┬──────────────────┬────────────┘
	      │                       │                  │
	      ▼                       ▼                  ▼
	┌─────────────┐      ┌────────────────┐   ┌──────────────┐
	│   Secrets   │      │       CA       │   │ Certificate  │
	│ Encryption  │      │  (Root only)   │   │  Management  │
	└─────┬───────┘      └────────┬───────┘   └──────┬───────┘
	      │                       │                   │
	      ▼                       ▼                   ▼
	  AES-256-GCM         RSA 4096-bit          90-day rotation
	  Cluster secrets      10-year validity      Rotation check

## Cluster Encryption Key

All security is rooted in the cluster encryption key, a 32-byte key derived
from the cluster ID at bootstrap:

	clusterKey = SHA-256(clusterID)  // 32 bytes for AES-256

This key encrypts:
  - Cluster secrets (via SecretsManager)
  - The CA root private key, at rest in the record store
  - Any other sensitive cluster data

The key lives only in memory on each server and must be supplied again when
a new server joins the cluster or a server recovers from a snapshot.

# Certificate Authority

CertAuthority holds a single self-signed root certificate (4096-bit RSA,
10-year validity) and issues short-lived leaf certificates from it:

	Root CA (CN=DARE Root CA, O=DARE Cluster)
	├── server certs:  CN={role}-{serverIdx}, O=DARE Cluster
	│     issued on request by IssueNodeCertificate; no transport
	│     connection presents them
	└── client certs:  CN=cli-{clientID}
	      issued to operator CLI sessions

Server and client leaf certificates are valid for 90 days; CertNeedsRotation
flags a certificate once less than 30 days remain, so a server can request
and install its replacement ahead of expiry rather than failing closed.

The CA's persistent state (root cert + encrypted root key) is held behind
the narrow CAStore interface, decoupling this package from any one storage
backend; pkg/recordstore's bbolt-backed Store satisfies it.

# Secrets Encryption

SecretsManager wraps AES-256-GCM with a random 12-byte nonce per call,
prepended to the ciphertext it returns. Either a caller-supplied 32-byte key
or a password (hashed with SHA-256) can seed a manager. The package-level
Encrypt/Decrypt helpers instead use the process-wide cluster encryption key,
set once via SetClusterEncryptionKey during bootstrap or join, and are used
for data - like the CA root key - that must survive restarts without being
tied to a single SecretsManager instance.

# Threat Model

This package protects against a passive reader of on-disk CA/secret data. It
does not authenticate peers on the replication or control channel, since the
transport does not use its certificates. It does not protect against a
compromised server with the cluster encryption key already in memory, nor
against traffic analysis of one-sided write timing.

# See Also

  - pkg/transport - plain-TCP transport; it does not use these certificates
  - pkg/recordstore - default CAStore implementation
*/
package security
