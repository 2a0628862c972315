package fancount

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ClubKind distinguishes competitive clubs, which carry a daily fan quota,
// from casual clubs, which never do.
type ClubKind int

const (
	KindCasual ClubKind = iota
	KindCompetitive
)

func (k ClubKind) String() string {
	switch k {
	case KindCompetitive:
		return "competitive"
	case KindCasual:
		return "casual"
	default:
		return "unknown"
	}
}

// ParseClubKind converts a stored kind string back to a ClubKind.
func ParseClubKind(s string) (ClubKind, error) {
	switch s {
	case "competitive":
		return KindCompetitive, nil
	case "casual":
		return KindCasual, nil
	}
	return KindCasual, errors.Newf("unknown club kind %q", s)
}

// ClubRecord is a club's configuration as the data layer sees it. The quota
// field is meaningful only for competitive clubs; use Quota to read it.
type ClubRecord struct {
	ClubID          string    `msgpack:"club_id" json:"club_id"`
	Name            string    `msgpack:"name" json:"name"`
	Kind            ClubKind  `msgpack:"kind" json:"kind"`
	DailyQuota      int       `msgpack:"daily_quota" json:"daily_quota"`
	LeaderID        string    `msgpack:"leader_id" json:"leader_id"`
	OfficerIDs      []string  `msgpack:"officer_ids" json:"officer_ids"`
	SourceUpdatedAt time.Time `msgpack:"source_updated_at" json:"source_updated_at"`
}

// NewCompetitiveClub builds a competitive club with a daily quota.
func NewCompetitiveClub(id, name, leaderID string, quota int) (ClubRecord, error) {
	if quota <= 0 {
		return ClubRecord{}, errors.Newf("competitive club %s requires a positive quota, got %d", id, quota)
	}
	return ClubRecord{ClubID: id, Name: name, Kind: KindCompetitive, DailyQuota: quota, LeaderID: leaderID}, nil
}

// NewCasualClub builds a casual club. Casual clubs never carry a quota.
func NewCasualClub(id, name, leaderID string) ClubRecord {
	return ClubRecord{ClubID: id, Name: name, Kind: KindCasual, LeaderID: leaderID}
}

// Quota returns the daily quota and whether one applies. Casual clubs report
// false: the absent quota is a domain invariant, not a missing value.
func (c ClubRecord) Quota() (int, bool) {
	if c.Kind != KindCompetitive {
		return 0, false
	}
	return c.DailyQuota, true
}

// Validate checks the kind/quota invariant.
func (c ClubRecord) Validate() error {
	if c.ClubID == "" {
		return errors.New("club record missing club id")
	}
	switch c.Kind {
	case KindCompetitive:
		if c.DailyQuota <= 0 {
			return errors.Newf("competitive club %s has no quota", c.ClubID)
		}
	case KindCasual:
		if c.DailyQuota != 0 {
			return errors.Newf("casual club %s carries a quota", c.ClubID)
		}
	default:
		return errors.Newf("club %s has unknown kind %d", c.ClubID, c.Kind)
	}
	return nil
}

// IsOfficer reports whether userID is the leader or an officer of the club.
func (c ClubRecord) IsOfficer(userID string) bool {
	if userID == c.LeaderID {
		return true
	}
	for _, id := range c.OfficerIDs {
		if id == userID {
			return true
		}
	}
	return false
}
