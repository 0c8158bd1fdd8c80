// Package seal encrypts credential blobs at rest.
//
// A key is derived from a passphrase with Argon2id and used with
// XChaCha20-Poly1305. Every Seal call draws a fresh salt and nonce, and
// the Argon2id parameters travel with the sealed value so they can be
// raised later without breaking existing files.
//
// Sealed format:
//
//	$seal$v=1$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<nonce_b64>$<ciphertext_b64>
package seal
