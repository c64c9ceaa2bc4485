package firewall

import (
	"errors"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/styx/pkg/domain"
)

type memTables struct {
	rules   map[string][]string
	appends int
	deletes int
	failOn  string
}

func newMemTables() *memTables {
	return &memTables{rules: make(map[string][]string)}
}

func (m *memTables) key(table, chain string) string { return table + "/" + chain }

func (m *memTables) Exists(table, chain string, spec ...string) (bool, error) {
	if m.failOn == "exists" {
		return false, errors.New("xtables lock held")
	}
	return slices.Contains(m.rules[m.key(table, chain)], strings.Join(spec, " ")), nil
}

func (m *memTables) Append(table, chain string, spec ...string) error {
	m.appends++
	k := m.key(table, chain)
	m.rules[k] = append(m.rules[k], strings.Join(spec, " "))
	return nil
}

func (m *memTables) DeleteIfExists(table, chain string, spec ...string) error {
	k := m.key(table, chain)
	joined := strings.Join(spec, " ")
	if i := slices.Index(m.rules[k], joined); i >= 0 {
		m.deletes++
		m.rules[k] = slices.Delete(m.rules[k], i, i+1)
	}
	return nil
}

func testSet() domain.FirewallRuleSet {
	return domain.FirewallRuleSet{
		Subnet: netip.MustParsePrefix("10.20.0.0/16"),
		Device: "wg0-docker",
		Bridge: "br-wg0-net",
	}
}

func TestEnsure_AppendsOnce(t *testing.T) {
	tables := newMemTables()
	for _, r := range testSet().Rules() {
		require.NoError(t, Ensure(tables, r))
		require.NoError(t, Ensure(tables, r))
	}

	assert.Equal(t, 3, tables.appends)
	assert.Equal(t, []string{"-s 10.20.0.0/16 -o wg0-docker -j MASQUERADE"}, tables.rules["nat/POSTROUTING"])
	assert.ElementsMatch(t, []string{
		"-i wg0-docker -o br-wg0-net -j ACCEPT",
		"-i br-wg0-net -o wg0-docker -j ACCEPT",
	}, tables.rules["filter/FORWARD"])
}

func TestRemove_AbsentIsNoop(t *testing.T) {
	tables := newMemTables()
	for _, r := range testSet().Rules() {
		require.NoError(t, Remove(tables, r))
	}
	assert.Zero(t, tables.deletes)
}

func TestRemove_LeavesUnrelatedRules(t *testing.T) {
	tables := newMemTables()
	tables.rules["filter/FORWARD"] = []string{"-i docker0 -j ACCEPT"}
	for _, r := range testSet().Rules() {
		require.NoError(t, Ensure(tables, r))
	}
	for _, r := range testSet().Rules() {
		require.NoError(t, Remove(tables, r))
	}

	assert.Equal(t, []string{"-i docker0 -j ACCEPT"}, tables.rules["filter/FORWARD"])
	assert.Empty(t, tables.rules["nat/POSTROUTING"])
}

func TestPresent_WrapsErrors(t *testing.T) {
	tables := newMemTables()
	tables.failOn = "exists"

	_, err := Present(tables, testSet().Masquerade())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MASQUERADE")
}
