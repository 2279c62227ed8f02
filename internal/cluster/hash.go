package cluster

import "hash/fnv"

// rendezvousScore is the highest-random-weight hash of (node, key). The
// node with the top score owns the key; removing a node only moves the keys
// it owned.
func rendezvousScore(nodeID, key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return mix64(h.Sum64())
}

// mix64 is the splitmix64 finalizer. Raw FNV sums of near-identical strings
// correlate in the high bits, which skews highest-random-weight ownership
// toward one node; the finalizer avalanches them.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
