package couchbase

// CasSetter is implemented by documents that track the CAS value they were read at.
type CasSetter interface {
	SetCas(cas uint64)
}

// CasGetter is implemented by documents that expose the CAS value they were read at.
type CasGetter interface {
	GetCas() uint64
}

// Cas can be embedded in documents that need optimistic concurrency control.
type Cas struct {
	c uint64
}

// GetCas returns the current CAS value.
func (c *Cas) GetCas() uint64 {
	return c.c
}

// SetCas updates the CAS value.
func (c *Cas) SetCas(cas uint64) {
	c.c = cas
}
