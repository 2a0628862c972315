package fancount

import "fmt"

// Entity-key scheme for the cache. Namespaces are per key type
// ("club:", "members:", "leaderboard:"); invalidating one club means
// expiring each of ClubKeys individually, not a prefix sweep — a prefix
// like "club:1" would also match "club:10".

// ClubKey is the cache key for a club's configuration record.
func ClubKey(clubID string) string {
	return fmt.Sprintf("club:%s", clubID)
}

// MembersKey is the cache key for a club's member roster with fan counts.
func MembersKey(clubID string) string {
	return fmt.Sprintf("members:%s", clubID)
}

// LeaderboardKey is the cache key for a club's derived leaderboard aggregate.
// Leaderboards are volatile and cached with a shorter TTL than records.
func LeaderboardKey(clubID string) string {
	return fmt.Sprintf("leaderboard:%s", clubID)
}

// ClubKeys returns every cache key that depends on the club's data. Writes
// invalidate all of them so the next reader re-derives from the primary store.
func ClubKeys(clubID string) []string {
	return []string{ClubKey(clubID), MembersKey(clubID), LeaderboardKey(clubID)}
}
