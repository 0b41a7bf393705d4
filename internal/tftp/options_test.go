package tftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOptionsClampsBlksize(t *testing.T) {
	n := ParseOptions([]OptionPair{{Name: "blksize", Value: "99999"}})
	assert.True(t, n.HasBlksize)
	assert.Equal(t, maxBlksize, n.Blksize)

	n = ParseOptions([]OptionPair{{Name: "blksize", Value: "1"}})
	assert.Equal(t, minBlksize, n.Blksize)
}

func TestParseOptionsClampsTimeout(t *testing.T) {
	n := ParseOptions([]OptionPair{{Name: "timeout", Value: "0"}})
	assert.Equal(t, minTimeout, n.Timeout)

	n = ParseOptions([]OptionPair{{Name: "timeout", Value: "999"}})
	assert.Equal(t, maxTimeout, n.Timeout)
}

func TestParseOptionsClampsWindowsize(t *testing.T) {
	n := ParseOptions([]OptionPair{{Name: "windowsize", Value: "0"}})
	assert.Equal(t, minWindow, n.Windowsize)

	n = ParseOptions([]OptionPair{{Name: "windowsize", Value: "100000"}})
	assert.Equal(t, maxWindow, n.Windowsize)
}

func TestParseOptionsIgnoresUnknown(t *testing.T) {
	n := ParseOptions([]OptionPair{{Name: "frobnicate", Value: "yes"}})
	assert.False(t, n.Any())
}

func TestParseOptionsTsizeAcceptsZero(t *testing.T) {
	n := ParseOptions([]OptionPair{{Name: "tsize", Value: "0"}})
	assert.True(t, n.HasTsize)
	assert.Equal(t, int64(0), n.Tsize)
}

func TestAcceptedPairsSubstitutesServerTsize(t *testing.T) {
	n := ParseOptions([]OptionPair{{Name: "tsize", Value: "0"}, {Name: "blksize", Value: "1024"}})
	pairs := n.AcceptedPairs(2050)

	found := map[string]string{}
	for _, p := range pairs {
		found[p.Name] = p.Value
	}
	assert.Equal(t, "2050", found["tsize"])
	assert.Equal(t, "1024", found["blksize"])
}

func TestEffectiveDefaultsWithoutNegotiation(t *testing.T) {
	var n NegotiatedOptions
	assert.Equal(t, 512, n.EffectiveBlksize())
	assert.Equal(t, 5, n.EffectiveTimeout())
	assert.Equal(t, 1, n.EffectiveWindowsize())
	assert.False(t, n.Any())
}

func TestMulticastOptionRecognized(t *testing.T) {
	n := ParseOptions([]OptionPair{{Name: "multicast", Value: ""}})
	assert.True(t, n.Multicast)
	assert.True(t, n.Any())
}
