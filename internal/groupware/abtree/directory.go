package abtree

import "context"

// DomainRef, GroupRef, ClassRef and UserRef are the shapes returned by the
// directory queries load_base issues. The concrete field set mirrors what
// an LDAP-shaped directory (cf. the teacher's auth/ldap search results)
// would return for each entry; this module does not itself open an LDAP
// connection (see SPEC_FULL.md §2.2's DOMAIN STACK note) — Directory is
// the seam a real LDAP- or SQL-backed implementation plugs into.
type DomainRef struct {
	DomainID int64
	OrgID    int64
	Name     string
}

type GroupRef struct {
	GroupID     int64
	DisplayName string
}

type ClassRef struct {
	ClassID     int64
	DisplayName string
}

type UserRef struct {
	UID         int64
	Username    string
	DisplayName string
	Room        bool
	Equipment   bool
	Aliases     []string
}

type MlistRef struct {
	ListID      int64
	DisplayName string
	MemberUIDs  []int64
}

// Directory is the external collaborator load_base queries, in the order
// spec §4.4 specifies: organisation -> domains (id>0) or the single
// domain (id<0); each domain -> groups; each group -> classes
// (recursively) and users; each class -> sub-classes and users; each
// domain -> domain-level users not in any group; each domain -> mailing
// lists.
type Directory interface {
	OrgDomains(ctx context.Context, orgID int64) ([]DomainRef, error)
	Domain(ctx context.Context, domainID int64) (DomainRef, error)
	DomainGroups(ctx context.Context, domainID int64) ([]GroupRef, error)
	GroupClasses(ctx context.Context, groupID int64) ([]ClassRef, error)
	GroupUsers(ctx context.Context, groupID int64) ([]UserRef, error)
	ClassSubclasses(ctx context.Context, classID int64) ([]ClassRef, error)
	ClassUsers(ctx context.Context, classID int64) ([]UserRef, error)
	DomainUngroupedUsers(ctx context.Context, domainID int64) ([]UserRef, error)
	DomainMlists(ctx context.Context, domainID int64) ([]MlistRef, error)
}
