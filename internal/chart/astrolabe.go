package chart

import (
	"fmt"
	"strconv"
	"strings"
)

// Astrolabe is the chart service payload
type Astrolabe struct {
	Gender                    string   `json:"gender"`
	SolarDate                 string   `json:"solarDate"`
	LunarDate                 string   `json:"lunarDate"`
	ChineseDate               string   `json:"chineseDate"`
	Time                      string   `json:"time"`
	TimeRange                 string   `json:"timeRange"`
	Sign                      string   `json:"sign"`
	Zodiac                    string   `json:"zodiac"`
	EarthlyBranchOfBodyPalace string   `json:"earthlyBranchOfBodyPalace"`
	EarthlyBranchOfSoulPalace string   `json:"earthlyBranchOfSoulPalace"`
	Soul                      string   `json:"soul"`
	Body                      string   `json:"body"`
	FiveElementsClass         string   `json:"fiveElementsClass"`
	Palaces                   []Palace `json:"palaces"`
}

// Palace is one of the twelve palaces
type Palace struct {
	Index            int      `json:"index"`
	Name             string   `json:"name"`
	IsBodyPalace     bool     `json:"isBodyPalace"`
	IsOriginalPalace bool     `json:"isOriginalPalace"`
	HeavenlyStem     string   `json:"heavenlyStem"`
	EarthlyBranch    string   `json:"earthlyBranch"`
	MajorStars       []Star   `json:"majorStars"`
	MinorStars       []Star   `json:"minorStars"`
	AdjectiveStars   []Star   `json:"adjectiveStars"`
	Changsheng12     string   `json:"changsheng12"`
	Boshi12          string   `json:"boshi12"`
	Jiangqian12      string   `json:"jiangqian12"`
	Suiqian12        string   `json:"suiqian12"`
	Decadal          *Decadal `json:"decadal"`
	Ages             []int    `json:"ages"`
}

// Star is a star placed in a palace
type Star struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Scope      string `json:"scope"`
	Brightness string `json:"brightness"`
	Mutagen    string `json:"mutagen"`
}

// Decadal is the ten-year period of a palace
type Decadal struct {
	Range         []int  `json:"range"`
	HeavenlyStem  string `json:"heavenlyStem"`
	EarthlyBranch string `json:"earthlyBranch"`
}

const unknown = "未知"

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "是"
	}
	return "不是"
}

// Text renders the astrolabe as the description sent to the LLM
func (a *Astrolabe) Text() string {
	lines := []string{
		"----------基本信息----------",
		"命主性别：" + orUnknown(a.Gender),
		"阳历生日：" + orUnknown(a.SolarDate),
		"阴历生日：" + orUnknown(a.LunarDate),
		"八字：" + orUnknown(a.ChineseDate),
		fmt.Sprintf("生辰时辰：%s (%s)", orUnknown(a.Time), orUnknown(a.TimeRange)),
		"星座：" + orUnknown(a.Sign),
		"生肖：" + orUnknown(a.Zodiac),
		"身宫地支：" + orUnknown(a.EarthlyBranchOfBodyPalace),
		"命宫地支：" + orUnknown(a.EarthlyBranchOfSoulPalace),
		"命主星：" + orUnknown(a.Soul),
		"身主星：" + orUnknown(a.Body),
		"五行局：" + orUnknown(a.FiveElementsClass),
		"----------宫位信息----------",
	}

	switch {
	case a.Palaces == nil:
		lines = append(lines, "宫位信息：数据格式不正确或缺失")
	case len(a.Palaces) == 0:
		lines = append(lines, "宫位信息：暂未提供")
	default:
		for _, p := range a.Palaces {
			lines = append(lines, p.Text(), "----------")
		}
	}
	return strings.Join(lines, "\n")
}

// Text renders one palace block
func (p Palace) Text() string {
	lines := []string{
		fmt.Sprintf("宫位%d号位，宫位名称是%s。", p.Index, orUnknown(p.Name)),
		fmt.Sprintf("%s身宫，%s来因宫。", yesNo(p.IsBodyPalace), yesNo(p.IsOriginalPalace)),
		fmt.Sprintf("宫位天干为%s，宫位地支为%s。", orUnknown(p.HeavenlyStem), orUnknown(p.EarthlyBranch)),
		"主星:" + joinOrNone(p.MajorStars, majorStarText, "无"),
		"辅星：" + joinOrNone(p.MinorStars, originStarText, "无"),
		"杂耀:" + joinOrNone(p.AdjectiveStars, originStarText, "无"),
		fmt.Sprintf("长生 12 神:%s。", orUnknown(p.Changsheng12)),
		fmt.Sprintf("博士 12 神:%s。", orUnknown(p.Boshi12)),
		fmt.Sprintf("流年将前 12 神:%s。", orUnknown(p.Jiangqian12)),
		fmt.Sprintf("流年岁前 12 神:%s。", orUnknown(p.Suiqian12)),
	}

	if p.Decadal != nil && len(p.Decadal.Range) == 2 {
		lines = append(lines, fmt.Sprintf("大限:%d,%d(运限天干为%s，运限地支为%s)。",
			p.Decadal.Range[0], p.Decadal.Range[1],
			orUnknown(p.Decadal.HeavenlyStem), orUnknown(p.Decadal.EarthlyBranch)))
	}
	if len(p.Ages) > 0 {
		ages := make([]string, len(p.Ages))
		for i, age := range p.Ages {
			ages[i] = strconv.Itoa(age)
		}
		lines = append(lines, "小限:"+strings.Join(ages, ","))
	}
	return strings.Join(lines, "\n")
}

func joinOrNone(stars []Star, render func(Star) string, none string) string {
	if len(stars) == 0 {
		return none
	}
	parts := make([]string, len(stars))
	for i, s := range stars {
		parts[i] = render(s)
	}
	return strings.Join(parts, "，")
}

func originStarText(s Star) string {
	return s.Name + "（本命星耀）"
}

func majorStarText(s Star) string {
	if s.Type == "tianma" {
		return s.Name + "（本命星耀，无亮度标志）"
	}

	brightness := "无亮度标志"
	if s.Brightness != "" {
		brightness = "亮度为" + s.Brightness
	}

	mutagen := ""
	switch {
	case s.Mutagen != "":
		mutagen = "，" + s.Mutagen + "四化星"
	case s.Type == "major":
		mutagen = "，无四化星"
	}

	scope := "本命"
	if s.Scope != "origin" {
		scope = s.Scope
	}
	return fmt.Sprintf("%s（%s星耀，%s%s）", s.Name, scope, brightness, mutagen)
}
