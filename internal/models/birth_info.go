package models

// BirthInfo is the semantic input of an analysis request
type BirthInfo struct {
	Date     string `json:"date"`     // YYYY-MM-DD
	Timezone int    `json:"timezone"` // 时辰 index, 0-12
	Gender   string `json:"gender"`   // 男 or 女
	Calendar string `json:"calendar"` // solar or lunar
}

// Calendar constants
const (
	CalendarSolar = "solar"
	CalendarLunar = "lunar"
)

// Gender constants
const (
	GenderMale   = "男"
	GenderFemale = "女"
)

// Timezone index bounds
const (
	MinTimezone = 0
	MaxTimezone = 12
)
