package api

type (
	// StoredReplica is the membership record of one replica
	StoredReplica struct {
		ID        ReplicaID `json:"id"`
		Heartbeat int64     `json:"heartbeat"`
	}

	// ClusterInfo is this replica's view of the live cluster
	ClusterInfo struct {
		ReplicaID ReplicaID `json:"replica_id"`
		Offset    int       `json:"offset"`
		Count     int       `json:"count"`
	}
)

// Owns reports whether a partition key hash falls into this replica's
// share of the cluster
func (c ClusterInfo) Owns(hash uint32) bool {
	if c.Count <= 0 {
		return true
	}
	return int(hash%uint32(c.Count)) == c.Offset
}
