package kampe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBridgeName(t *testing.T) {
	assert.Equal(t, "br-wg0-net", BridgeName("wg0-net"))
	assert.Equal(t, "br-a-very-long-", BridgeName("a-very-long-network-name"))
	assert.LessOrEqual(t, len(BridgeName("a-very-long-network-name")), 15)
}
