package mtrace

// addrMap maps live allocation addresses to the index of their
// current allocation instance, laid out as a 4-level radix structure
// for efficient access on clustered heap addresses.
//
// The bottom level stores one int32 instance index per address;
// -1 means the address has no live instance.
type addrMap struct {
	m [1 << 16]*[1 << 16]*[1 << 16]*[1 << 16]int32
}

func newAddrLeaf() *[1 << 16]int32 {
	leaf := new([1 << 16]int32)
	for i := range leaf {
		leaf[i] = -1
	}
	return leaf
}

// swap records idx as the live instance at addr and returns the index
// it displaced, or -1 if the address had no live instance.
func (a *addrMap) swap(addr uint64, idx int32) int32 {
	l1 := &a.m[addr>>48]
	if *l1 == nil {
		*l1 = new([1 << 16]*[1 << 16]*[1 << 16]int32)
	}
	l2 := &((*l1)[(addr>>32)&0xffff])
	if *l2 == nil {
		*l2 = new([1 << 16]*[1 << 16]int32)
	}
	l3 := &((*l2)[(addr>>16)&0xffff])
	if *l3 == nil {
		*l3 = newAddrLeaf()
	}
	c := *l3
	i := addr & 0xffff
	prev := c[i]
	c[i] = idx
	return prev
}

// clear removes the live instance at addr, returning its index, or
// -1 if the address had no live instance.
func (a *addrMap) clear(addr uint64) int32 {
	l1 := a.m[addr>>48]
	if l1 == nil {
		return -1
	}
	l2 := l1[(addr>>32)&0xffff]
	if l2 == nil {
		return -1
	}
	l3 := l2[(addr>>16)&0xffff]
	if l3 == nil {
		return -1
	}
	i := addr & 0xffff
	prev := l3[i]
	l3[i] = -1
	return prev
}
