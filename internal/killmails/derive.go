package killmails

import "killfeed/internal/killmails/models"

// Derive fills in the parent fields computed purely from victim/attacker
// data (§4.G step 2), without touching the database.
func Derive(k *models.Killmail) {
	k.AttackerCount = len(k.Attackers)
	k.IsSolo = isSolo(k)
	k.IsNPC = isNPC(k.Attackers)
	k.IsAwox = isAwox(k)
	assignFinalBlow(k.Attackers)
}

// isSolo: attacker_count == 1 and the sole attacker has no faction id (a
// faction-only attacker is an NPC encounter, not a solo player kill).
func isSolo(k *models.Killmail) bool {
	if k.AttackerCount != 1 {
		return false
	}
	return k.Attackers[0].FactionID == nil
}

// isNPC: every attacker lacks a character id or has a faction id.
func isNPC(attackers []models.Attacker) bool {
	for _, a := range attackers {
		if a.CharacterID != nil && a.FactionID == nil {
			return false
		}
	}
	return len(attackers) > 0
}

// isAwox: victim has an alliance and any attacker shares it.
func isAwox(k *models.Killmail) bool {
	if k.Victim.AllianceID == nil {
		return false
	}
	victimAlliance := *k.Victim.AllianceID
	for _, a := range k.Attackers {
		if a.AllianceID != nil && *a.AllianceID == victimAlliance {
			return true
		}
	}
	return false
}

// assignFinalBlow marks exactly one attacker as final_blow: the one
// upstream already flagged, else the highest damage_done, tie-break to
// the first such row (§3 Attacker invariant).
func assignFinalBlow(attackers []models.Attacker) {
	for _, a := range attackers {
		if a.FinalBlow {
			return
		}
	}
	if len(attackers) == 0 {
		return
	}
	best := 0
	for i, a := range attackers {
		if a.DamageDone > attackers[best].DamageDone {
			best = i
			_ = a
		}
	}
	attackers[best].FinalBlow = true
}

// TopAttacker returns the attacker with final_blow = true.
func TopAttacker(attackers []models.Attacker) *models.Attacker {
	for i := range attackers {
		if attackers[i].FinalBlow {
			return &attackers[i]
		}
	}
	return nil
}
