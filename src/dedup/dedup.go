package dedup

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Hash generates the content fingerprint used to suppress re-import of
// previously seen transactions. MD5 is used for speed, not security: two
// genuinely distinct transactions with identical date, amount, description
// and reference will collapse into one. That is an accepted limitation.
//
// Inputs are normalized so the same transaction always hashes the same:
// the date stays YYYY-MM-DD, the amount is rendered with exactly two
// fraction digits, description and reference are trimmed, lower-cased and
// truncated (200 and 100 runes respectively).
func Hash(transactionDate string, amount decimal.Decimal, description, reference string) string {
	amountStr := amount.StringFixed(2)
	descNorm := truncateRunes(strings.ToLower(strings.TrimSpace(description)), 200)
	refNorm := truncateRunes(strings.ToLower(strings.TrimSpace(reference)), 100)

	hashInput := fmt.Sprintf("%s|%s|%s|%s", transactionDate, amountStr, descNorm, refNorm)
	sum := md5.Sum([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// IsDuplicateInsert reports whether an insert failed because the
// (connection_id, dedup_hash) uniqueness constraint fired.
func IsDuplicateInsert(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
