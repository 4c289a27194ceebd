package cachekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
)

func baseBirth() models.BirthInfo {
	return models.BirthInfo{Date: "2000-08-16", Timezone: 2, Gender: "女", Calendar: "solar"}
}

func TestDerive_Deterministic(t *testing.T) {
	first := Derive(baseBirth(), "volcano", "deepseek-r1", "v1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Derive(baseBirth(), "volcano", "deepseek-r1", "v1"))
	}
	require.Len(t, first, 64)
}

func TestDerive_KnownValue(t *testing.T) {
	// sha256("2000-08-16|2|女|solar|volcano|deepseek-r1|v1"); stored results depend on this layout
	got := Derive(baseBirth(), "volcano", "deepseek-r1", "v1")
	assert.Equal(t, "24f9db239f3a25413f45e6b142e16aaf2886989027e5f800135739b94734dbb4", got)
}

func TestDerive_AnyFieldChangesKey(t *testing.T) {
	base := Derive(baseBirth(), "volcano", "deepseek-r1", "v1")

	variants := map[string]string{}
	b := baseBirth()
	b.Date = "2000-08-17"
	variants["date"] = Derive(b, "volcano", "deepseek-r1", "v1")
	b = baseBirth()
	b.Timezone = 3
	variants["timezone"] = Derive(b, "volcano", "deepseek-r1", "v1")
	b = baseBirth()
	b.Gender = "男"
	variants["gender"] = Derive(b, "volcano", "deepseek-r1", "v1")
	b = baseBirth()
	b.Calendar = "lunar"
	variants["calendar"] = Derive(b, "volcano", "deepseek-r1", "v1")
	variants["provider"] = Derive(baseBirth(), "deepseek", "deepseek-r1", "v1")
	variants["model"] = Derive(baseBirth(), "volcano", "deepseek-v3", "v1")
	variants["prompt_version"] = Derive(baseBirth(), "volcano", "deepseek-r1", "v2")

	seen := map[string]string{base: "base"}
	for field, key := range variants {
		prev, dup := seen[key]
		assert.Falsef(t, dup, "changing %s produced the same key as %s", field, prev)
		seen[key] = field
	}
}

func TestDerive_TimezoneDigitsDoNotShift(t *testing.T) {
	a := baseBirth()
	a.Timezone = 1
	b := baseBirth()
	b.Timezone = 11
	assert.NotEqual(t, Derive(a, "volcano", "m", "v1"), Derive(b, "volcano", "m", "v1"))
}
