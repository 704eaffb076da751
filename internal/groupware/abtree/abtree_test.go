package abtree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foxcpp/maddy-groupware/framework/log"
)

// fakeDirectory is a small fixed directory: one domain, one group with a
// nested class, a group user, an ungrouped user, and an mlist.
type fakeDirectory struct{}

func (fakeDirectory) OrgDomains(ctx context.Context, orgID int64) ([]DomainRef, error) {
	return []DomainRef{{DomainID: 1, OrgID: orgID, Name: "example.com"}}, nil
}

func (fakeDirectory) Domain(ctx context.Context, domainID int64) (DomainRef, error) {
	return DomainRef{DomainID: domainID, OrgID: 1, Name: "example.com"}, nil
}

func (fakeDirectory) DomainGroups(ctx context.Context, domainID int64) ([]GroupRef, error) {
	return []GroupRef{{GroupID: 10, DisplayName: "Engineering"}}, nil
}

func (fakeDirectory) GroupClasses(ctx context.Context, groupID int64) ([]ClassRef, error) {
	return []ClassRef{{ClassID: 100, DisplayName: "Backend"}}, nil
}

func (fakeDirectory) GroupUsers(ctx context.Context, groupID int64) ([]UserRef, error) {
	return []UserRef{{UID: 2, Username: "bob", DisplayName: "Bob"}}, nil
}

func (fakeDirectory) ClassSubclasses(ctx context.Context, classID int64) ([]ClassRef, error) {
	return nil, nil
}

func (fakeDirectory) ClassUsers(ctx context.Context, classID int64) ([]UserRef, error) {
	return []UserRef{{UID: 3, Username: "carol", DisplayName: "Carol"}}, nil
}

func (fakeDirectory) DomainUngroupedUsers(ctx context.Context, domainID int64) ([]UserRef, error) {
	return []UserRef{{UID: 1, Username: "alice", DisplayName: "Alice"}}, nil
}

func (fakeDirectory) DomainMlists(ctx context.Context, domainID int64) ([]MlistRef, error) {
	return []MlistRef{{ListID: 1, DisplayName: "everyone", MemberUIDs: []int64{1, 2, 3}}}, nil
}

func TestFoldCaseInsensitive(t *testing.T) {
	require.Equal(t, Fold("Alice"), Fold("alice"))
	require.True(t, Fold("alice") <= Fold("Bob"))
}

func TestLoadBaseBuildsTreeWithParents(t *testing.T) {
	res, err := loadBase(context.Background(), fakeDirectory{}, -1)
	require.NoError(t, err)
	require.Len(t, res.arena, 1, "one domain root")

	domain := res.arena[0]
	require.Equal(t, KindDomain, domain.Kind)
	require.Equal(t, -1, domain.Parent)

	// Every non-root node must have Parent pointing at a valid arena index.
	var group, class, classUser, groupUser, ungrouped, mlist *Node
	for _, n := range collectAll(domain) {
		if n == domain {
			continue
		}
		require.GreaterOrEqual(t, n.Parent, 0)
		switch {
		case n.Kind == KindGroup:
			group = n
		case n.Kind == KindClass:
			class = n
		case n.Kind == KindPerson && n.Person.UID == 3:
			classUser = n
		case n.Kind == KindPerson && n.Person.UID == 2:
			groupUser = n
		case n.Kind == KindPerson && n.Person.UID == 1:
			ungrouped = n
		case n.Kind == KindMlist:
			mlist = n
		}
	}
	require.NotNil(t, group)
	require.NotNil(t, class)
	require.NotNil(t, classUser)
	require.NotNil(t, groupUser)
	require.NotNil(t, ungrouped)
	require.NotNil(t, mlist)
}

// collectAll walks arena-style via Children (not Parent) to find nodes for
// assertions, independent of the Parent bug under test.
func collectAll(n *Node) []*Node {
	out := []*Node{n}
	for _, c := range n.Children {
		out = append(out, collectAll(c)...)
	}
	return out
}

func TestNodeToDNAndCompanyInfoAndDepartmentName(t *testing.T) {
	res, err := loadBase(context.Background(), fakeDirectory{}, -1)
	require.NoError(t, err)

	b := newBase(-1, BaseGUID(baseGUIDNamespace, -1))
	b.installTree(res)

	classUser, ok := b.UIDToNode(3)
	require.True(t, ok)

	dn := NodeToDN(b, classUser)
	require.Equal(t, "/d1/g10/c100/u3", dn)

	domainInfo, ok := b.CompanyInfo(classUser)
	require.True(t, ok)
	require.Equal(t, int64(1), domainInfo.DomainID)

	dept, ok := b.DepartmentName(classUser)
	require.True(t, ok)
	require.Equal(t, "Backend", dept)

	ungrouped, ok := b.UIDToNode(1)
	require.True(t, ok)
	_, ok = b.DepartmentName(ungrouped)
	require.False(t, ok, "domain-level user has no enclosing group/class")
}

func TestGALIsFlatSortedAndExcludesGroupsAndDomains(t *testing.T) {
	res, err := loadBase(context.Background(), fakeDirectory{}, -1)
	require.NoError(t, err)

	for _, n := range res.gal {
		require.Contains(t, []Kind{KindPerson, KindRoom, KindEquipment, KindMlist}, n.Kind)
	}
	for i := 1; i < len(res.gal); i++ {
		require.LessOrEqual(t, Fold(res.gal[i-1].DisplayName()), Fold(res.gal[i].DisplayName()))
	}
}

func TestGetBaseEnforcesMaxBases(t *testing.T) {
	m := NewManager(fakeDirectory{}, log.Logger{}, ManagerConfig{MaxBases: 1})

	h1, err := m.GetBase(context.Background(), -1)
	require.NoError(t, err)
	defer h1.Release()

	_, err = m.GetBase(context.Background(), -2)
	require.Error(t, err, "second distinct base should be refused once at capacity")
}

func TestGetBaseCachesAndRefCounts(t *testing.T) {
	m := NewManager(fakeDirectory{}, log.Logger{}, ManagerConfig{MaxBases: 4})

	h1, err := m.GetBase(context.Background(), -1)
	require.NoError(t, err)
	require.Equal(t, 1, h1.Base().RefCount())

	h2, err := m.GetBase(context.Background(), -1)
	require.NoError(t, err)
	require.Same(t, h1.Base(), h2.Base())
	require.Equal(t, 2, h1.Base().RefCount())

	h1.Release()
	require.Equal(t, 1, h1.Base().RefCount())
	h2.Release()
	require.Equal(t, 0, h1.Base().RefCount())
}

func TestMakeMinIDReservedRangeRemapsToRemote(t *testing.T) {
	m := MakeMinID(KindPerson, 5)
	require.Equal(t, KindRemote, m.Kind())

	m2 := MakeMinID(KindPerson, 1000)
	require.Equal(t, KindPerson, m2.Kind())
	require.EqualValues(t, 1000, m2.Value())
}
