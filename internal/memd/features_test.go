package memd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeatureSet_Has(t *testing.T) {
	fs := NewFeatureSet([]Feature{FeatureCollections, FeatureSnappy})
	assert.True(t, fs.Has(FeatureCollections))
	assert.False(t, fs.Has(FeatureTracing))
}

func TestEncodeDecodeHelloFeatures_RoundTrip(t *testing.T) {
	features := []Feature{FeatureCollections, FeatureSnappy, FeatureJSON}
	encoded := EncodeHelloFeatures(features)
	decoded := DecodeHelloFeatures(encoded)
	assert.Equal(t, features, decoded)
}
