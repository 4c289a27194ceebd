package llm

import (
	"fmt"
	"strings"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
)

const chartPlaceholder = "{chart}"

var promptTemplates = map[string]map[string]string{
	"v1": {
		models.AnalysisMarriagePath:     "参考紫微斗数思路对命主婚姻道路进行分析，命盘如下:\n{chart}",
		models.AnalysisChallenges:       "参考紫微斗数思路对命主与另一半的困难和挑战进行分析，命盘如下:\n{chart}",
		models.AnalysisPartnerCharacter: "参考紫微斗数思路对命主另一半的性格和人品进行分析，命盘如下:\n{chart}",
	},
}

// BuildPrompt renders the user message of one analysis type
func BuildPrompt(promptVersion, analysisType, chart string) (string, error) {
	templates, ok := promptTemplates[promptVersion]
	if !ok {
		return "", fmt.Errorf("unknown prompt version %q", promptVersion)
	}
	tpl, ok := templates[analysisType]
	if !ok {
		return "", fmt.Errorf("no %s template in prompt version %q", analysisType, promptVersion)
	}
	return strings.Replace(tpl, chartPlaceholder, chart, 1), nil
}

// HasPromptVersion reports whether templates exist for version
func HasPromptVersion(version string) bool {
	_, ok := promptTemplates[version]
	return ok
}
