//go:build !linux
// +build !linux

package kernel

import (
	"errors"
	"net/netip"
)

var errUnsupported = errors.New("kernel networking not supported on non-Linux platforms")

// Netlink is a stub on non-Linux platforms; every call fails.
type Netlink struct{}

func NewNetlink() *Netlink { return &Netlink{} }

func NewEngine() (Engine, error) { return nil, errUnsupported }

func (n *Netlink) Link(name string) (*Link, error)              { return nil, errUnsupported }
func (n *Netlink) AddLink(name, kind string) error              { return errUnsupported }
func (n *Netlink) DeleteLink(name string) error                 { return errUnsupported }
func (n *Netlink) SetLinkUp(name string) error                  { return errUnsupported }
func (n *Netlink) SetLinkDown(name string) error                { return errUnsupported }
func (n *Netlink) SetLinkMTU(name string, mtu int) error        { return errUnsupported }
func (n *Netlink) Addrs(name string) ([]netip.Prefix, error)    { return nil, errUnsupported }
func (n *Netlink) AddAddr(name string, addr netip.Prefix) error { return errUnsupported }
func (n *Netlink) Rules() ([]Rule, error)                       { return nil, errUnsupported }
func (n *Netlink) AddRule(rule Rule) error                      { return errUnsupported }
func (n *Netlink) DeleteRule(rule Rule) error                   { return errUnsupported }
func (n *Netlink) Routes(table int) ([]Route, error)            { return nil, errUnsupported }
func (n *Netlink) AddRoute(route Route) error                   { return errUnsupported }
func (n *Netlink) DeleteRoute(route Route) error                { return errUnsupported }
func (n *Netlink) Sysctl(key string) (string, error)            { return "", errUnsupported }
func (n *Netlink) SetSysctl(key, value string) error            { return errUnsupported }
