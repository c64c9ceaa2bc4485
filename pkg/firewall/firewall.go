// Package firewall asserts presence or absence of individual packet filter
// rules. It never reasons about rule order.
package firewall

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
	"github.com/tartarus-sandbox/styx/pkg/domain"
)

// Tables is the subset of *iptables.IPTables used here.
type Tables interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

var _ Tables = (*iptables.IPTables)(nil)

// New returns an IPv4 iptables handle that waits on the xtables lock.
func New() (*iptables.IPTables, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	return ipt, nil
}

// Present reports whether the rule is installed anywhere in its chain.
func Present(t Tables, r domain.FirewallRule) (bool, error) {
	ok, err := t.Exists(r.Table, r.Chain, r.Spec...)
	if err != nil {
		return false, fmt.Errorf("failed to check rule %s: %w", r, err)
	}
	return ok, nil
}

// Ensure appends the rule unless an identical one already exists.
func Ensure(t Tables, r domain.FirewallRule) error {
	ok, err := Present(t, r)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := t.Append(r.Table, r.Chain, r.Spec...); err != nil {
		return fmt.Errorf("failed to append rule %s: %w", r, err)
	}
	return nil
}

// Remove deletes the rule; an absent rule is not an error.
func Remove(t Tables, r domain.FirewallRule) error {
	if err := t.DeleteIfExists(r.Table, r.Chain, r.Spec...); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", r, err)
	}
	return nil
}
