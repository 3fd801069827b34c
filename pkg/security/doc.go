/*
Package security provides the mTLS certificate authority behind a
cluster's peer and API listeners: a self-signed root CA, node and CLI
certificate issuance, and on-disk certificate management.

# Cluster encryption key

The CA's root key is encrypted at rest with a 32-byte key derived from
the cluster ID:

	clusterKey = SHA-256(clusterID)

Call SetClusterEncryptionKey once per process (typically right after
deriving it from config) before CertAuthority.SaveToStore or
LoadFromStore are used — both rely on the package-level Encrypt/Decrypt
to protect the root private key.

# Certificate Authority

	Root CA (self-signed, 10-year validity, RSA-4096)
	└── Node certificates (90-day validity, RSA-2048, ServerAuth+ClientAuth)
	└── CLI client certificates (90-day validity, RSA-2048, ClientAuth)

The root certificate and AES-GCM-encrypted root key persist through a
storage.Backend (see ca.go) under the node's system keyspace, so any
node holding the cluster encryption key can reload the CA across
restarts. Node certificates carry both ServerAuth and ClientAuth usage
because every peer connection is mutually authenticated: a node
presents the same certificate whether it is accepting or dialing.

# On-disk layout

	~/.paravon/certs/node-<id>/{node.crt,node.key,ca.crt}
	~/.paravon/certs/cli/{node.crt,node.key,ca.crt}

SaveCertToFile/LoadCertFromFile/SaveCACertToFile/LoadCACertFromFile
round-trip these files; CertNeedsRotation flags a certificate within 30
days of NotAfter.
*/
package security
