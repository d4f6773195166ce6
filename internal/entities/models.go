// Package entities implements the character/corporation/alliance/type
// fetchers of §4.E: a freshness-gated cache → DB → upstream lookup, with a
// static shortcut for NPC corporations.
package entities

import "time"

// freshnessWindow is the 14-day staleness threshold (§3 Character/
// Corporation/Alliance entity).
const freshnessWindow = 14 * 24 * time.Hour

// npcCorpRangeStart and npcCorpRangeEnd bound the reserved NPC corporation
// id range, satisfied from a static table and never fetched upstream.
const (
	npcCorpRangeStart = 1_000_000
	npcCorpRangeEnd   = 1_999_999
)

type Character struct {
	CharacterID   int64
	Name          string
	CorporationID *int64
	AllianceID    *int64
	FactionID     *int64
	UpdatedAt     time.Time
}

type Corporation struct {
	CorporationID int64
	Name          string
	Ticker        *string
	AllianceID    *int64
	UpdatedAt     time.Time
}

type Alliance struct {
	AllianceID int64
	Name       string
	Ticker     *string
	FactionID  *int64
	UpdatedAt  time.Time
}

type Type struct {
	TypeID    int64
	Name      string
	GroupID   *int64
	CategoryID *int64
	UpdatedAt time.Time
}

func isFresh(updatedAt time.Time) bool {
	return time.Since(updatedAt) < freshnessWindow
}

func isNPCCorporation(id int64) bool {
	return id >= npcCorpRangeStart && id <= npcCorpRangeEnd
}
