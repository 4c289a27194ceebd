// Package cachekey derives the deduplication fingerprint of an analysis request.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
)

const delimiter = "|"

// Derive returns the hex SHA-256 of the request's semantic inputs.
// Field order is fixed; changing it invalidates every stored result.
func Derive(birth models.BirthInfo, provider, model, promptVersion string) string {
	plain := strings.Join([]string{
		birth.Date,
		strconv.Itoa(birth.Timezone),
		birth.Gender,
		birth.Calendar,
		provider,
		model,
		promptVersion,
	}, delimiter)

	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
