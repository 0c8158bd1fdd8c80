// Package token decodes bearer access tokens issued by the modeler backend.
//
// It answers "is this token still usable" without contacting the network.
// Two codecs are provided and one is selected at startup:
//   - JWTCodec reads the claims of the backend's JWT without verifying the signature.
//     The backend remains the authority; the client only needs exp/sub/roles.
//   - PasetoCodec verifies a PASETO v4.public token against a configured public key.
//
// Validity checks fail closed: a token whose claims cannot be read is expired.
// Storage is not this package's concern; callers decide whether to discard data.
//
// Tokens must never be logged. Use Fingerprint to correlate them in logs.
package token
