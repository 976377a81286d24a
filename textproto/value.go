package textproto

// Value is a raw item as returned by a retrieval command. Decoding Data into
// an application type is left to a transcoder.
type Value struct {
	Flags uint32
	Data  []byte

	// CAS is only meaningful when HasCAS is set (gets family).
	CAS    uint64
	HasCAS bool
}

// Len returns the size of the data block.
func (v Value) Len() int {
	return len(v.Data)
}
