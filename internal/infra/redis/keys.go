package redis

import (
	"strconv"
	"time"
)

// Key layout. Every key lives under the bq: prefix so the engine can share a Redis.
//
//	bq:quiz:{quizID}                 cached quiz JSON
//	bq:participant:{participantID}   participant JSON
//	bq:waiting:{quizID}              ZSET participantID scored by join time (FIFO pool)
//	bq:waiting                       ZSET of every waiting participant, for timeouts
//	bq:active:{quizID}:{userID}      participantID of the user's WAITING/PLAYING entry
//	bq:match:{matchID}               stored match JSON
//	bq:user:{userID}:matches         SET of match ids the user played
//	bq:matches:open                  SET of unfinished or unsettled match ids
//	bq:wallet:{userID}:balance       decimal string
//	bq:wallet:{userID}:ledger        LIST of ledger entry JSON
//	bq:wallet:ref:{reference}        applied movement marker
const (
	keyPrefix       = "bq:"
	waitingAllKey   = keyPrefix + "waiting"
	openMatchesKey  = keyPrefix + "matches:open"
	defaultAttempts = 5
)

func quizKey(quizID string) string           { return keyPrefix + "quiz:" + quizID }
func participantKey(id string) string        { return keyPrefix + "participant:" + id }
func waitingKey(quizID string) string        { return keyPrefix + "waiting:" + quizID }
func activeKey(quizID, userID string) string { return keyPrefix + "active:" + quizID + ":" + userID }
func matchKey(matchID string) string         { return keyPrefix + "match:" + matchID }
func userMatchesKey(userID string) string    { return keyPrefix + "user:" + userID + ":matches" }
func balanceKey(userID string) string        { return keyPrefix + "wallet:" + userID + ":balance" }
func ledgerKey(userID string) string         { return keyPrefix + "wallet:" + userID + ":ledger" }
func referenceKey(reference string) string   { return keyPrefix + "wallet:ref:" + reference }

// score orders sorted sets by millisecond; float64 holds that exactly.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreBound(t time.Time, inclusive bool) string {
	bound := strconv.FormatInt(t.UnixMilli(), 10)
	if inclusive {
		return bound
	}
	return "(" + bound
}
