package peer

import "net"

// Table is the intrusive doubly linked list of remote peers an endpoint
// owns (spec.md §4.3/§9). Lookup is linear scan, the specified baseline.
type Table struct {
	head, tail *Remote
	size       int
}

// Len returns the number of peers currently in the table.
func (t *Table) Len() int { return t.size }

// PushBack appends r to the table. r must not already belong to a table.
func (t *Table) PushBack(r *Remote) {
	r.prev, r.next = nil, nil
	if t.tail == nil {
		t.head, t.tail = r, r
	} else {
		r.prev = t.tail
		t.tail.next = r
		t.tail = r
	}
	t.size++
}

// Remove detaches r from the table. It is a no-op if r is not present.
func (t *Table) Remove(r *Remote) {
	if r.prev == nil && r.next == nil && t.head != r {
		return // not in any table (or already removed)
	}
	if r.prev != nil {
		r.prev.next = r.next
	} else if t.head == r {
		t.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else if t.tail == r {
		t.tail = r.prev
	}
	r.prev, r.next = nil, nil
	t.size--
}

// ByRealAddr performs the ingress-dispatch lookup: the remote whose outer
// UDP address matches addr, or nil.
func (t *Table) ByRealAddr(addr *net.UDPAddr) *Remote {
	for r := t.head; r != nil; r = r.next {
		if AddrEqual(r.Real, addr) {
			return r
		}
	}
	return nil
}

// ByVPNAddr performs the egress-routing lookup: the remote whose inner
// tunnel address matches ip, or nil. Server-side only.
func (t *Table) ByVPNAddr(ip net.IP) *Remote {
	for r := t.head; r != nil; r = r.next {
		if VPNEqual(r.VPN, ip) {
			return r
		}
	}
	return nil
}

// FindByID looks up a peer by its allocated id, used when validating a
// ClientReconnect's (id, secret) pair.
func (t *Table) FindByID(id uint8) *Remote {
	for r := t.head; r != nil; r = r.next {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Each calls fn for every peer in insertion order. fn returning false
// stops the traversal early. It is safe for fn to Remove the current
// element (but not others) mid-traversal.
func (t *Table) Each(fn func(*Remote) bool) {
	for r := t.head; r != nil; {
		next := r.next
		if !fn(r) {
			return
		}
		r = next
	}
}
