// Package jwt mints and verifies short-lived access tokens that carry the
// session version current at issuance. Verification here is purely
// cryptographic; comparing the version against the live counter belongs to
// the engine.
package jwt
