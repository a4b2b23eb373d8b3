// Package cryptoutil has the hashing helpers used to fingerprint and pin
// policy documents.
package cryptoutil
