package memd

// Feature is a HELLO-negotiated capability.
type Feature uint16

const (
	FeatureDatatype        Feature = 0x01
	FeatureTLS             Feature = 0x02
	FeatureTCPNoDelay      Feature = 0x03
	FeatureMutationSeqno   Feature = 0x04
	FeatureTCPDelay        Feature = 0x05
	FeatureXattr           Feature = 0x06
	FeatureXerror          Feature = 0x07
	FeatureSelectBucket    Feature = 0x08
	FeatureSnappy          Feature = 0x0a
	FeatureJSON            Feature = 0x0b
	FeatureDuplex          Feature = 0x0c
	FeatureClusterMapNotif Feature = 0x0d
	FeatureUnorderedExec   Feature = 0x0e
	FeatureTracing         Feature = 0x0f
	FeatureAltRequest      Feature = 0x10 // flexible framing
	FeatureSyncReplication Feature = 0x11
	FeatureCollections     Feature = 0x12
	FeatureOpenTracing     Feature = 0x13
	FeaturePreserveTTL     Feature = 0x14
	FeatureCreateAsDeleted Feature = 0x17
)

// DefaultClientFeatures is the bitset offered in HELLO.
var DefaultClientFeatures = []Feature{
	FeatureCollections,
	FeatureSnappy,
	FeatureJSON,
	FeatureXattr,
	FeatureSyncReplication,
	FeatureTracing,
	FeatureSelectBucket,
	FeatureDuplex,
	FeatureAltRequest,
	FeatureMutationSeqno,
	FeatureXerror,
	FeatureUnorderedExec,
	FeatureCreateAsDeleted,
	FeaturePreserveTTL,
}

// FeatureSet is the negotiated intersection of client and server
// feature bitsets, frozen once the session transitions into Ready.
type FeatureSet map[Feature]struct{}

// NewFeatureSet builds a set from a feature list (e.g. the server's
// HELLO response body, or DefaultClientFeatures).
func NewFeatureSet(features []Feature) FeatureSet {
	fs := make(FeatureSet, len(features))
	for _, f := range features {
		fs[f] = struct{}{}
	}
	return fs
}

// Has reports whether f is in the set.
func (fs FeatureSet) Has(f Feature) bool {
	_, ok := fs[f]
	return ok
}

// EncodeHelloFeatures serializes a feature list into a HELLO request
// value: a sequence of big-endian uint16s, one per feature.
func EncodeHelloFeatures(features []Feature) []byte {
	out := make([]byte, len(features)*2)
	for i, f := range features {
		out[i*2] = byte(f >> 8)
		out[i*2+1] = byte(f)
	}
	return out
}

// DecodeHelloFeatures parses a HELLO response value into a feature
// list.
func DecodeHelloFeatures(value []byte) []Feature {
	n := len(value) / 2
	out := make([]Feature, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Feature(uint16(value[i*2])<<8|uint16(value[i*2+1])))
	}
	return out
}
