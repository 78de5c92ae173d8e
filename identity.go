package mktdata

import "sort"

// Identity is the entitlement context produced by a successful
// authorization. It is bound to the session that authorized it.
type Identity struct {
	cid  CorrelationID
	eids map[int]struct{}
}

func newIdentity(cid CorrelationID, body *Element) *Identity {
	id := &Identity{cid: cid, eids: make(map[int]struct{})}
	if eids := body.Field("eids"); eids != nil && eids.Type == DatatypeSequence {
		for _, v := range eids.Values() {
			if !v.IsNull() {
				id.eids[int(v.Int64())] = struct{}{}
			}
		}
	}
	return id
}

// correlationID is nil-safe; an absent identity is sent as zero.
func (i *Identity) correlationID() CorrelationID {
	if i == nil {
		return 0
	}
	return i.cid
}

// Entitlements returns the granted entitlement ids in ascending order.
func (i *Identity) Entitlements() []int {
	if i == nil {
		return nil
	}
	out := make([]int, 0, len(i.eids))
	for eid := range i.eids {
		out = append(out, eid)
	}
	sort.Ints(out)
	return out
}

// HasEntitlements reports whether every eid is granted and lists the ones that are not.
func (i *Identity) HasEntitlements(eids []int) (bool, []int) {
	var missing []int
	for _, eid := range eids {
		if i == nil {
			missing = append(missing, eid)
			continue
		}
		if _, ok := i.eids[eid]; !ok {
			missing = append(missing, eid)
		}
	}
	return len(missing) == 0, missing
}
