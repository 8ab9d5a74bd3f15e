// Package nat owns the host nftables rules that let the namespace reach the
// VPN endpoint: a source NAT masquerade for the namespace veth address and
// an egress guard that keeps the host from forwarding namespace traffic
// anywhere else.
package nat

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/vas-solutus/arca-vpnns/internal/platform"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

const (
	natChain   = "postrouting-nat"
	guardChain = "forward-guard"
	tagPrefix  = "arca-vpnns"
)

// Rule is the NAT state of one confined instance. Install and Remove are
// idempotent and only touch rules tagged with Instance.
type Rule struct {
	Table    string
	Instance string
	// Source is the namespace veth address; only it is masqueraded.
	Source netip.Addr
	// Exclude is the veth /30; traffic to it is never rewritten.
	Exclude netip.Prefix
	// HostVeth and Endpoint drive the egress guard when Guard is set.
	HostVeth string
	Endpoint netip.Addr
	Guard    bool

	Log *slog.Logger
}

func (r *Rule) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

func (r *Rule) table() *nftables.Table {
	return &nftables.Table{Name: r.Table, Family: nftables.TableFamilyIPv4}
}

func (r *Rule) chains(table *nftables.Table) (nat, guard *nftables.Chain) {
	nat = &nftables.Chain{
		Name:     natChain,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	}
	guard = &nftables.Chain{
		Name:     guardChain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	}
	return nat, guard
}

// Install enables host IPv4 forwarding and adds the masquerade rule, plus
// the egress guard when enabled. Rules already present are left alone;
// rules left by an earlier configuration of the same instance are replaced.
func (r *Rule) Install() error {
	op := fmt.Sprintf("install NAT for %s in table %s", r.Source, r.Table)
	if err := r.validate(); err != nil {
		return vpnerr.New(vpnerr.NATRuleFailed, op, err)
	}

	if err := os.WriteFile(platform.IPForwardKey, []byte("1\n"), 0o644); err != nil {
		return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to enable IP forwarding: %w", err))
	}

	conn, err := nftables.New()
	if err != nil {
		return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to connect to nftables: %w", err))
	}

	table := conn.AddTable(r.table())
	natCh, guardCh := r.chains(table)

	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to list chains: %w", err))
	}
	wanted := []*nftables.Chain{natCh}
	if r.Guard {
		wanted = append(wanted, guardCh)
	}
	for _, ch := range wanted {
		if !chainExists(chains, r.Table, ch.Name) {
			conn.AddChain(ch)
		}
	}
	// Chains must exist before their rules can be listed.
	if err := conn.Flush(); err != nil {
		return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to create table %s: %w", r.Table, err))
	}

	added := 0
	plan := []struct {
		chain *nftables.Chain
		kind  string
		exprs []expr.Any
		want  bool
	}{
		{natCh, "masq", r.masqueradeExprs(), true},
		{guardCh, "guard", r.guardExprs(), r.Guard},
	}
	for _, p := range plan {
		if !p.want {
			continue
		}
		rules, err := conn.GetRules(table, p.chain)
		if err != nil {
			return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to list rules in %s: %w", p.chain.Name, err))
		}
		tag := r.tag(p.kind)
		present, stale := partition(rules, r.instancePrefix(p.kind), tag)
		for _, s := range stale {
			r.log().Info("replacing stale NAT rule", "chain", p.chain.Name, "tag", string(s.UserData))
			if err := conn.DelRule(s); err != nil {
				return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to delete stale rule: %w", err))
			}
		}
		if present != nil {
			r.log().Debug("NAT rule already installed", "chain", p.chain.Name, "tag", tag)
			continue
		}
		conn.AddRule(&nftables.Rule{
			Table:    table,
			Chain:    p.chain,
			Exprs:    p.exprs,
			UserData: []byte(tag),
		})
		added++
	}

	if err := conn.Flush(); err != nil {
		return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to flush nftables rules: %w", err))
	}

	r.log().Info("NAT installed",
		"table", r.Table, "source", r.Source, "exclude", r.Exclude,
		"guard", r.Guard, "endpoint", r.Endpoint, "added", added)
	return nil
}

// Remove deletes exactly the rules tagged for this instance. A missing table
// or chain is not an error. The table is deleted once no rules remain.
func (r *Rule) Remove() error {
	op := fmt.Sprintf("remove NAT for instance %s from table %s", r.Instance, r.Table)

	conn, err := nftables.New()
	if err != nil {
		return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to connect to nftables: %w", err))
	}

	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to list tables: %w", err))
	}
	if !tableExists(tables, r.Table) {
		return nil
	}

	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return vpnerr.New(vpnerr.NATRuleFailed, op, fmt.Errorf("failed to list chains: %w", err))
	}

	table := r.table()
	var errs []error
	remaining := 0
	for _, ch := range chains {
		if ch.Table.Name != r.Table {
			continue
		}
		rules, err := conn.GetRules(table, ch)
		if err != nil {
			r.log().Warn("failed to get rules (chain may not exist)", "chain", ch.Name, "error", err)
			continue
		}
		for _, rule := range rules {
			if !r.owns(rule) {
				remaining++
				continue
			}
			r.log().Debug("deleting NAT rule", "chain", ch.Name, "tag", string(rule.UserData))
			if err := conn.DelRule(rule); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete rule in %s: %w", ch.Name, err))
				remaining++
			}
		}
	}
	if remaining == 0 {
		conn.DelTable(table)
	}

	if err := conn.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush nftables rules: %w", err))
	}
	if len(errs) > 0 {
		return vpnerr.New(vpnerr.NATRuleFailed, op, errors.Join(errs...))
	}
	r.log().Info("NAT removed", "table", r.Table, "instance", r.Instance, "table_deleted", remaining == 0)
	return nil
}

// Installed reports whether every rule this instance needs is present.
func (r *Rule) Installed() (bool, error) {
	conn, err := nftables.New()
	if err != nil {
		return false, fmt.Errorf("failed to connect to nftables: %w", err)
	}
	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return false, fmt.Errorf("failed to list tables: %w", err)
	}
	if !tableExists(tables, r.Table) {
		return false, nil
	}
	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return false, fmt.Errorf("failed to list chains: %w", err)
	}

	table := r.table()
	natCh, guardCh := r.chains(table)
	check := map[string]*nftables.Chain{"masq": natCh}
	if r.Guard {
		check["guard"] = guardCh
	}
	for kind, ch := range check {
		if !chainExists(chains, r.Table, ch.Name) {
			return false, nil
		}
		rules, err := conn.GetRules(table, ch)
		if err != nil {
			return false, fmt.Errorf("failed to list rules in %s: %w", ch.Name, err)
		}
		if present, _ := partition(rules, r.instancePrefix(kind), r.tag(kind)); present == nil {
			return false, nil
		}
	}
	return true, nil
}

func (r *Rule) validate() error {
	switch {
	case r.Table == "":
		return errors.New("table name is empty")
	case r.Instance == "":
		return errors.New("instance name is empty")
	case !r.Source.Is4():
		return fmt.Errorf("source %s is not IPv4", r.Source)
	case !r.Exclude.Addr().Is4():
		return fmt.Errorf("excluded subnet %s is not IPv4", r.Exclude)
	case !r.Exclude.Contains(r.Source):
		return fmt.Errorf("source %s is outside the veth subnet %s", r.Source, r.Exclude)
	case r.Guard && (r.HostVeth == "" || !r.Endpoint.Is4()):
		return fmt.Errorf("egress guard needs a host veth and an IPv4 endpoint (got %q, %s)", r.HostVeth, r.Endpoint)
	}
	return nil
}

// instancePrefix identifies every rule of one kind owned by this instance.
func (r *Rule) instancePrefix(kind string) string {
	return fmt.Sprintf("%s:%s:%s:", tagPrefix, r.Instance, kind)
}

// tag encodes the rule parameters so a changed configuration is detected.
func (r *Rule) tag(kind string) string {
	switch kind {
	case "guard":
		return r.instancePrefix(kind) + r.HostVeth + ":" + r.Endpoint.String()
	default:
		return r.instancePrefix(kind) + r.Source.String() + ":" + r.Exclude.Masked().String()
	}
}

func (r *Rule) owns(rule *nftables.Rule) bool {
	return strings.HasPrefix(string(rule.UserData), fmt.Sprintf("%s:%s:", tagPrefix, r.Instance))
}

// partition finds the rule carrying tag and any other rules with the same
// instance prefix, which are stale.
func partition(rules []*nftables.Rule, prefix, tag string) (present *nftables.Rule, stale []*nftables.Rule) {
	for _, rule := range rules {
		if !bytes.HasPrefix(rule.UserData, []byte(prefix)) {
			continue
		}
		if present == nil && string(rule.UserData) == tag {
			present = rule
			continue
		}
		stale = append(stale, rule)
	}
	return present, stale
}

func chainExists(chains []*nftables.Chain, table, name string) bool {
	for _, c := range chains {
		if c.Table.Name == table && c.Name == name {
			return true
		}
	}
	return false
}

func tableExists(tables []*nftables.Table, name string) bool {
	for _, t := range tables {
		if t.Name == name {
			return true
		}
	}
	return false
}
