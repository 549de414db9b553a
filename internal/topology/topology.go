// Package topology models the cluster configuration snapshot and the
// routing rules built on top of it: network selection, port
// selection, and CRC32 vbucket mapping. Snapshots are immutable once
// parsed; the facade swaps a pointer to the current one under a
// mutex.
package topology

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// NodeLocator describes how the server maps keys to nodes for a
// bucket.
type NodeLocator string

const (
	NodeLocatorUnknown NodeLocator = "unknown"
	NodeLocatorVBucket NodeLocator = "vbucket"
	NodeLocatorKetama  NodeLocator = "ketama"
)

// Service identifies one of the cluster's service types.
type Service string

const (
	ServiceKV         Service = "kv"
	ServiceQuery      Service = "n1ql"
	ServiceSearch     Service = "fts"
	ServiceAnalytics  Service = "cbas"
	ServiceViews      Service = "capi"
	ServiceEventing   Service = "eventing"
	ServiceManagement Service = "mgmt"
)

const defaultNetwork = "default"

// Ports holds a node's plain and TLS listening ports per service.
// A zero port means the service is not hosted on that node.
type Ports struct {
	KV           uint16 `json:"kv,omitempty"`
	KVTLS        uint16 `json:"kvSSL,omitempty"`
	Query        uint16 `json:"n1ql,omitempty"`
	QueryTLS     uint16 `json:"n1qlSSL,omitempty"`
	Search       uint16 `json:"fts,omitempty"`
	SearchTLS    uint16 `json:"ftsSSL,omitempty"`
	Analytics    uint16 `json:"cbas,omitempty"`
	AnalyticsTLS uint16 `json:"cbasSSL,omitempty"`
	Views        uint16 `json:"capi,omitempty"`
	ViewsTLS     uint16 `json:"capiSSL,omitempty"`
	Mgmt         uint16 `json:"mgmt,omitempty"`
	MgmtTLS      uint16 `json:"mgmtSSL,omitempty"`
}

func (p Ports) forService(svc Service, tls bool) uint16 {
	switch svc {
	case ServiceKV:
		if tls {
			return p.KVTLS
		}
		return p.KV
	case ServiceQuery:
		if tls {
			return p.QueryTLS
		}
		return p.Query
	case ServiceSearch:
		if tls {
			return p.SearchTLS
		}
		return p.Search
	case ServiceAnalytics:
		if tls {
			return p.AnalyticsTLS
		}
		return p.Analytics
	case ServiceViews:
		if tls {
			return p.ViewsTLS
		}
		return p.Views
	case ServiceManagement:
		if tls {
			return p.MgmtTLS
		}
		return p.Mgmt
	default:
		return 0
	}
}

// Node describes one cluster member: its hostname, per-service ports
// on the default network, and any alternate-address sets keyed by
// network name (e.g. "external" for NAT traversal).
type Node struct {
	Index    int
	Hostname string
	Ports    Ports

	// AlternateAddresses maps a network name to that network's
	// hostname/ports for this node.
	AlternateAddresses map[string]AlternateAddress

	// ThisNode is true for exactly one node in the vector: the one
	// the bootstrap connection was made to.
	ThisNode bool
}

// AlternateAddress is a secondary hostname/port set reachable across
// a NAT boundary, keyed by network name in Node.AlternateAddresses.
type AlternateAddress struct {
	Hostname string
	Ports    Ports
}

// VBucketMap gives, for partition i, the active node index followed
// by zero or more replica node indices. A replica index of -1 means
// "no node" (the bucket has fewer live replicas than configured).
type VBucketMap [][]int

// Capabilities is a set of capability strings reported by the
// cluster or bucket (e.g. "enhancedPreparedStatements", "subdoc.ReplicaRead").
type Capabilities map[string]struct{}

// Has reports whether name is present in the set.
func (c Capabilities) Has(name string) bool {
	_, ok := c[name]
	return ok
}

func newCapabilities(names []string) Capabilities {
	c := make(Capabilities, len(names))
	for _, n := range names {
		c[n] = struct{}{}
	}
	return c
}

// Config is an immutable topology snapshot. Once built it is never
// mutated; a newer configuration is a new Config value.
type Config struct {
	Epoch       uint64
	Revision    uint64
	ClusterUUID string
	BucketUUID  string

	Nodes []Node

	VBucketMap  VBucketMap
	NodeLocator NodeLocator
	NumReplicas int

	ClusterCapabilities Capabilities
	BucketCapabilities  Capabilities

	// Network is the alternate-address network name this snapshot
	// should be read through, selected once at bootstrap (see
	// SelectNetwork) and carried forward into every later snapshot
	// for the same cluster.
	Network string
}

// wireNodeExt mirrors one entry of the server's "nodesExt" array.
type wireNodeExt struct {
	Hostname           string                          `json:"hostname"`
	Services           wirePorts                       `json:"services"`
	AlternateAddresses map[string]wireAlternateAddress `json:"alternateAddresses,omitempty"`
	ThisNode           bool                            `json:"thisNode,omitempty"`
}

type wirePorts struct {
	KV           uint16 `json:"kv,omitempty"`
	KVTLS        uint16 `json:"kvSSL,omitempty"`
	Query        uint16 `json:"n1ql,omitempty"`
	QueryTLS     uint16 `json:"n1qlSSL,omitempty"`
	Search       uint16 `json:"fts,omitempty"`
	SearchTLS    uint16 `json:"ftsSSL,omitempty"`
	Analytics    uint16 `json:"cbas,omitempty"`
	AnalyticsTLS uint16 `json:"cbasSSL,omitempty"`
	Views        uint16 `json:"capi,omitempty"`
	ViewsTLS     uint16 `json:"capiSSL,omitempty"`
	Mgmt         uint16 `json:"mgmt,omitempty"`
	MgmtTLS      uint16 `json:"mgmtSSL,omitempty"`
}

func (w wirePorts) toPorts() Ports {
	return Ports{
		KV: w.KV, KVTLS: w.KVTLS,
		Query: w.Query, QueryTLS: w.QueryTLS,
		Search: w.Search, SearchTLS: w.SearchTLS,
		Analytics: w.Analytics, AnalyticsTLS: w.AnalyticsTLS,
		Views: w.Views, ViewsTLS: w.ViewsTLS,
		Mgmt: w.Mgmt, MgmtTLS: w.MgmtTLS,
	}
}

type wireAlternateAddress struct {
	Hostname string    `json:"hostname"`
	Ports    wirePorts `json:"ports"`
}

type wireVBucketServerMap struct {
	NumReplicas int     `json:"numReplicas"`
	VBucketMap  [][]int `json:"vBucketMap"`
}

type wireConfig struct {
	Rev                 uint64                `json:"rev"`
	RevEpoch            uint64                `json:"revEpoch"`
	UUID                string                `json:"uuid"`
	BucketUUID          string                `json:"bucketUUID,omitempty"`
	NodesExt            []wireNodeExt         `json:"nodesExt"`
	VBucketServerMap    *wireVBucketServerMap `json:"vBucketServerMap,omitempty"`
	BucketCapabilities  []string              `json:"bucketCapabilities,omitempty"`
	ClusterCapabilities []string              `json:"clusterCapabilities,omitempty"`
}

// Parse decodes a server-emitted topology JSON document into a
// Config. network selects which
// alternate-address set (if any) populates each Node's effective
// addressing; pass "" to default to the snapshot's own default
// network and resolve it later with SelectNetwork.
func Parse(data []byte, network string) (Config, error) {
	var wc wireConfig
	if err := json.Unmarshal(data, &wc); err != nil {
		return Config{}, fmt.Errorf("topology: parsing config: %w", err)
	}

	cfg := Config{
		Epoch:               wc.RevEpoch,
		Revision:            wc.Rev,
		ClusterUUID:         wc.UUID,
		BucketUUID:          wc.BucketUUID,
		Network:             network,
		ClusterCapabilities: newCapabilities(wc.ClusterCapabilities),
		BucketCapabilities:  newCapabilities(wc.BucketCapabilities),
	}

	cfg.Nodes = make([]Node, len(wc.NodesExt))
	for i, n := range wc.NodesExt {
		alt := make(map[string]AlternateAddress, len(n.AlternateAddresses))
		for name, a := range n.AlternateAddresses {
			alt[name] = AlternateAddress{Hostname: a.Hostname, Ports: a.Ports.toPorts()}
		}
		cfg.Nodes[i] = Node{
			Index:              i,
			Hostname:           n.Hostname,
			Ports:              n.Services.toPorts(),
			AlternateAddresses: alt,
			ThisNode:           n.ThisNode,
		}
	}

	if wc.VBucketServerMap != nil {
		cfg.VBucketMap = wc.VBucketServerMap.VBucketMap
		cfg.NumReplicas = wc.VBucketServerMap.NumReplicas
		cfg.NodeLocator = NodeLocatorVBucket
	} else {
		cfg.NodeLocator = NodeLocatorKetama
	}

	return cfg, nil
}

// Less orders snapshots by (epoch, rev), lexicographic.
func (c Config) Less(other Config) bool {
	if c.Epoch != other.Epoch {
		return c.Epoch < other.Epoch
	}
	return c.Revision < other.Revision
}

// Equal reports equality on the (epoch, rev) ordering pair used for
// adoption decisions.
func (c Config) Equal(other Config) bool {
	return c.Epoch == other.Epoch && c.Revision == other.Revision
}

// Supersedes reports whether c is strictly greater than other under
// the (epoch, rev) ordering; only a superseding snapshot is ever
// adopted by the facade.
func (c Config) Supersedes(other Config) bool {
	return other.Less(c)
}

// SelectNetwork picks the addressing network: if any node's
// "external" alternate address hostname matches bootstrapHost,
// "external" is selected; otherwise "default". Applied once per
// bootstrap and then carried on every subsequent snapshot.
func SelectNetwork(nodes []Node, bootstrapHost string) string {
	for _, n := range nodes {
		if ext, ok := n.AlternateAddresses["external"]; ok && ext.Hostname == bootstrapHost {
			return "external"
		}
	}
	return defaultNetwork
}

// Port resolves the port for a given node, network, service and
// TLS-ness, preferring the alternate-address port set when network is
// not "default" and the node has one for that network. Returns 0 if
// the service is not hosted on the node under the resolved addressing.
func Port(node Node, network string, svc Service, tls bool) uint16 {
	if network != "" && network != defaultNetwork {
		if alt, ok := node.AlternateAddresses[network]; ok {
			return alt.Ports.forService(svc, tls)
		}
	}
	return node.Ports.forService(svc, tls)
}

// Hostname resolves the addressable hostname for a node under the
// given network, preferring the alternate-address hostname when set.
func Hostname(node Node, network string) string {
	if network != "" && network != defaultNetwork {
		if alt, ok := node.AlternateAddresses[network]; ok && alt.Hostname != "" {
			return alt.Hostname
		}
	}
	return node.Hostname
}

// VBucketForKey hashes key to its partition:
// (crc32(key) >> 16) & 0x7fff, mod the number of vbuckets in the map.
func VBucketForKey(key []byte, numVBuckets int) int {
	if numVBuckets <= 0 {
		return 0
	}
	crc := crc32.ChecksumIEEE(key)
	return int((crc>>16)&0x7fff) % numVBuckets
}

// ActiveNode returns the active node index for partition, or -1 if
// the map has no entry.
func (c Config) ActiveNode(partition int) int {
	if partition < 0 || partition >= len(c.VBucketMap) || len(c.VBucketMap[partition]) == 0 {
		return -1
	}
	return c.VBucketMap[partition][0]
}

// ReplicaNode returns the node index hosting the given replica
// (0-based) of partition, or -1 if there is no such replica.
func (c Config) ReplicaNode(partition, replica int) int {
	if partition < 0 || partition >= len(c.VBucketMap) {
		return -1
	}
	idx := replica + 1
	row := c.VBucketMap[partition]
	if idx < 0 || idx >= len(row) {
		return -1
	}
	return row[idx]
}

// SupportsEnhancedPreparedStatements reports the cluster capability
// consulted by the prepared-statement cache (C7) to decide whether to
// set auto_execute on PREPARE.
func (c Config) SupportsEnhancedPreparedStatements() bool {
	return c.ClusterCapabilities.Has("n1ql.enhancedPreparedStatements") ||
		c.ClusterCapabilities.Has("enhancedPreparedStatements")
}

// SupportsReadReplicaQuery reports whether the query service on this
// cluster may serve reads from replica vbuckets.
func (c Config) SupportsReadReplicaQuery() bool {
	return c.ClusterCapabilities.Has("n1ql.readFromReplica")
}

// KVNodes returns the indices of nodes hosting the KV service.
func (c Config) KVNodes() []int {
	var out []int
	for _, n := range c.Nodes {
		if n.Ports.KV != 0 || n.Ports.KVTLS != 0 {
			out = append(out, n.Index)
		}
	}
	return out
}

// NodesForService returns the indices of nodes hosting svc.
func (c Config) NodesForService(svc Service, tls bool) []int {
	var out []int
	for _, n := range c.Nodes {
		if Port(n, c.Network, svc, tls) != 0 {
			out = append(out, n.Index)
		}
	}
	return out
}
