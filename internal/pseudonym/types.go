package pseudonym

// Pseudonym is a derived identifier standing in for a real value. Hash is a
// deterministic keyed digest of the canonicalized value, so equal hashes
// under the same salt imply equal originals. Reversible, when present, is an
// authenticated ciphertext from which an authorized holder of the key can
// recover the original value; its absence makes the pseudonym one-way.
type Pseudonym struct {
	// Scope qualifies what kind of identifier was pseudonymized, eg "email".
	Scope string `json:"scope,omitempty"`

	// Domain is retained in the clear for email-shaped values so that
	// per-organization analysis stays possible without the local part.
	Domain string `json:"domain,omitempty"`

	Hash       []byte `json:"hash"`
	Reversible []byte `json:"reversible,omitempty"`
}

// IsReversible reports whether the pseudonym carries a ciphertext that can be
// reversed back to the original value.
func (p Pseudonym) IsReversible() bool {
	return len(p.Reversible) > 0
}
