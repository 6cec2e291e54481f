package handler

import (
	"regexp"
	"strconv"
	"strings"
)

// scoreRe matches the first "a-b" token in a Score: section whose first
// character is a digit, e.g. "3-1" out of "Score:\t3-1\tHalf: 2".
var scoreRe = regexp.MustCompile(`\b(\d+)-(\d+)\b`)

// EAFootballCheck is the reference verdict parser for the EA football
// gametype family (spec.md §4.3). It is stateless and safe for concurrent use.
func EAFootballCheck(line, creator, opponent string) (Verdict, Warning) {
	if strings.Contains(line, "Stream is offline") {
		return VerdictOffline, ""
	}
	if strings.Contains(line, "Impossible to recognize who won") {
		return VerdictNone, ""
	}
	if !strings.Contains(line, "Score:") {
		return VerdictNone, ""
	}

	nick1, nick2, ok := parsePlayers(line)
	if !ok {
		return VerdictNone, ""
	}
	score1, score2, ok := parseScore(line)
	if !ok {
		return VerdictNone, ""
	}

	if score1 == score2 {
		return VerdictDraw, ""
	}

	side1IsCreator, side2IsCreator, warning := mapSides(nick1, nick2, creator, opponent)

	winnerIsSide1 := score1 > score2
	if winnerIsSide1 {
		if side1IsCreator {
			return VerdictCreator, warning
		}
		return VerdictOpponent, warning
	}
	if side2IsCreator {
		return VerdictCreator, warning
	}
	return VerdictOpponent, warning
}

// parsePlayers extracts the two tab-separated nicknames from the Players:
// section of the line, lower-cased.
func parsePlayers(line string) (nick1, nick2 string, ok bool) {
	idx := strings.Index(line, "Players:")
	if idx < 0 {
		return "", "", false
	}
	rest := line[idx+len("Players:"):]
	if end := strings.Index(rest, "Score:"); end >= 0 {
		rest = rest[:end]
	}
	fields := strings.FieldsFunc(rest, func(r rune) bool { return r == '\t' })
	if len(fields) < 2 {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(fields[0])), strings.ToLower(strings.TrimSpace(fields[1])), true
}

// parseScore extracts the first "a-b" token whose first character is a
// digit out of the Score: section of the line.
func parseScore(line string) (score1, score2 int, ok bool) {
	idx := strings.Index(line, "Score:")
	if idx < 0 {
		return 0, 0, false
	}
	rest := line[idx+len("Score:"):]
	m := scoreRe.FindStringSubmatch(rest)
	if m == nil {
		return 0, 0, false
	}
	a, err1 := strconv.Atoi(m[1])
	b, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return a, b, true
}

// mapSides applies the three-step nickname-mapping rule from spec.md §4.3:
// try an exact match against the stored creator/opponent; if neither side
// matches, fall back to side1=creator, side2=opponent with a warning; if
// only one side matches, infer the other as the opposite label.
func mapSides(nick1, nick2, creator, opponent string) (side1IsCreator, side2IsCreator bool, warning Warning) {
	creator = strings.ToLower(creator)
	opponent = strings.ToLower(opponent)

	side1MatchesCreator := nick1 == creator
	side1MatchesOpponent := nick1 == opponent
	side2MatchesCreator := nick2 == creator
	side2MatchesOpponent := nick2 == opponent

	switch {
	case side1MatchesCreator || side2MatchesOpponent:
		return true, false, ""
	case side1MatchesOpponent || side2MatchesCreator:
		return false, true, ""
	default:
		return true, false, "neither parsed nickname matched the stored creator or opponent; assuming side 1 is creator"
	}
}
