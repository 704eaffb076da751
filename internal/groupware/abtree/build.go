package abtree

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// Fold returns s case-folded for GAL/display-name comparison, per spec
// §4.4 ("sorted by display name (case-insensitive)") and §8's
// fold(a) <= fold(b) testable property.
func Fold(s string) string {
	return foldCaser.String(s)
}

// buildResult is the output of loadBase: the constructed arena plus the
// flat, display-name-sorted GAL.
type buildResult struct {
	arena []*Node
	gal   []*Node
}

// loadBase issues the directory queries load_base specifies, in order,
// and composes the tree. Domain-level fan-out (one goroutine per domain
// when id > 0, i.e. an organisation) runs through errgroup the way the
// teacher's internal/msgpipeline runs per-check fan-out, bounding
// concurrency implicitly to the number of domains in the organisation.
func loadBase(ctx context.Context, dir Directory, id int64) (*buildResult, error) {
	var domains []DomainRef
	if id > 0 {
		ds, err := dir.OrgDomains(ctx, id)
		if err != nil {
			return nil, err
		}
		domains = ds
	} else {
		d, err := dir.Domain(ctx, -id)
		if err != nil {
			return nil, err
		}
		domains = []DomainRef{d}
	}

	res := &buildResult{}
	domainNodes := make([]*Node, len(domains))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, d := range domains {
		i, d := i, d
		eg.Go(func() error {
			n, err := buildDomain(egCtx, dir, d)
			if err != nil {
				return err
			}
			domainNodes[i] = n
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for _, dn := range domainNodes {
		idx := len(res.arena)
		res.arena = append(res.arena, dn)
		assignParents(dn, idx, &res.arena)
	}

	res.gal = galOf(res.arena)
	return res, nil
}

// assignParents appends every descendant of n (not n itself) to arena,
// depth first, setting each child's Parent to its parent's own index in
// arena (parentIdx). n itself is already at index parentIdx. This is the
// only place Parent is assigned a real value other than -1 (the domain
// root): it must run after a node's whole subtree exists, since a node's
// arena index is only known once it is appended.
func assignParents(n *Node, parentIdx int, arena *[]*Node) {
	for _, c := range n.Children {
		c.Parent = parentIdx
		cIdx := len(*arena)
		*arena = append(*arena, c)
		assignParents(c, cIdx, arena)
	}
}

func buildDomain(ctx context.Context, dir Directory, d DomainRef) (*Node, error) {
	domainNode := &Node{
		MinID:  MakeMinID(KindDomain, uint32(d.DomainID)),
		Kind:   KindDomain,
		Parent: -1,
		Domain: &DomainInfo{DomainID: d.DomainID, OrgID: d.OrgID, Name: d.Name},
	}

	groups, err := dir.DomainGroups(ctx, d.DomainID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		gn, err := buildGroup(ctx, dir, g)
		if err != nil {
			return nil, err
		}
		domainNode.Children = append(domainNode.Children, gn)
	}

	ungrouped, err := dir.DomainUngroupedUsers(ctx, d.DomainID)
	if err != nil {
		return nil, err
	}
	for _, u := range ungrouped {
		domainNode.Children = append(domainNode.Children, userNode(u))
	}

	mlists, err := dir.DomainMlists(ctx, d.DomainID)
	if err != nil {
		return nil, err
	}
	for _, ml := range mlists {
		domainNode.Children = append(domainNode.Children, mlistNode(ml))
	}

	sortByDisplayName(domainNode.Children)
	return domainNode, nil
}

func buildGroup(ctx context.Context, dir Directory, g GroupRef) (*Node, error) {
	gn := &Node{
		MinID: MakeMinID(KindGroup, uint32(g.GroupID)),
		Kind:  KindGroup,
		Group: &GroupInfo{GroupID: g.GroupID, DisplayName: g.DisplayName},
	}

	classes, err := dir.GroupClasses(ctx, g.GroupID)
	if err != nil {
		return nil, err
	}
	for _, c := range classes {
		cn, err := buildClass(ctx, dir, c)
		if err != nil {
			return nil, err
		}
		gn.Children = append(gn.Children, cn)
	}

	users, err := dir.GroupUsers(ctx, g.GroupID)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		gn.Children = append(gn.Children, userNode(u))
	}

	sortByDisplayName(gn.Children)
	return gn, nil
}

func buildClass(ctx context.Context, dir Directory, c ClassRef) (*Node, error) {
	cn := &Node{
		MinID: MakeMinID(KindClass, uint32(c.ClassID)),
		Kind:  KindClass,
		Group: &GroupInfo{GroupID: c.ClassID, DisplayName: c.DisplayName},
	}

	subs, err := dir.ClassSubclasses(ctx, c.ClassID)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		sn, err := buildClass(ctx, dir, s)
		if err != nil {
			return nil, err
		}
		cn.Children = append(cn.Children, sn)
	}

	users, err := dir.ClassUsers(ctx, c.ClassID)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		cn.Children = append(cn.Children, userNode(u))
	}

	sortByDisplayName(cn.Children)
	return cn, nil
}

func userNode(u UserRef) *Node {
	kind := KindPerson
	if u.Room {
		kind = KindRoom
	} else if u.Equipment {
		kind = KindEquipment
	}
	return &Node{
		MinID: MakeMinID(kind, uint32(u.UID)),
		Kind:  kind,
		Person: &PersonInfo{
			UID:         u.UID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Room:        u.Room,
			Equipment:   u.Equipment,
			Aliases:     u.Aliases,
		},
	}
}

func mlistNode(ml MlistRef) *Node {
	return &Node{
		MinID: MakeMinID(KindMlist, uint32(ml.ListID)),
		Kind:  KindMlist,
		Mlist: &MlistInfo{ListID: ml.ListID, DisplayName: ml.DisplayName, Members: ml.MemberUIDs},
	}
}

func sortByDisplayName(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return Fold(nodes[i].DisplayName()) < Fold(nodes[j].DisplayName())
	})
}

// galOf returns the flat, display-name-sorted concatenation of every
// visible user/list leaf across arena (the Global Address List, spec
// §3). Remote stubs are never GAL members.
func galOf(arena []*Node) []*Node {
	var leaves []*Node
	for _, n := range arena {
		switch n.Kind {
		case KindPerson, KindRoom, KindEquipment, KindMlist:
			leaves = append(leaves, n)
		}
	}
	sort.SliceStable(leaves, func(i, j int) bool {
		return Fold(leaves[i].DisplayName()) < Fold(leaves[j].DisplayName())
	})
	return leaves
}
