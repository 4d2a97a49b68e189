// Package security provides the engine's symmetric crypto: an
// AES-256-GCM crypter keyed from the site secret, used for config
// secrets at rest, and salt-derived variants for the payload
// serializer.
package security
