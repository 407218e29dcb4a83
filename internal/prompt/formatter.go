// Package prompt merges a raw learner prompt with their background profile
// into the text sent to the agent backend.
package prompt

import (
	"strings"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
)

const (
	backgroundHeader   = "用户背景信息："
	continuationHeader = "（延续之前的学习背景）"
	requirementSep     = "；"
)

// instructionFooter is appended to every formatted prompt for the agent.
const instructionFooter = `请根据以上背景信息：
1. 调整讲解难度，使其符合用户的年龄和知识水平
2. 按照用户的时间偏好安排学习节奏和内容篇幅
3. 围绕用户的学习目标组织回答，并给出可执行的下一步建议`

// Format derives a FormattedPrompt from raw and bg. It is a pure function of
// its inputs and now; absent optional fields are left out of the rendering.
func Format(raw string, bg domain.BackgroundProfile, now time.Time) domain.FormattedPrompt {
	var b strings.Builder
	b.WriteString(raw)
	b.WriteString("\n\n")
	b.WriteString(backgroundHeader)
	b.WriteString("\n")
	writeFields(&b, bg)
	b.WriteString("\n")
	b.WriteString(instructionFooter)

	return domain.FormattedPrompt{
		OriginalPrompt: raw,
		Background:     bg.Clone(),
		FormattedText:  b.String(),
		Timestamp:      now,
	}
}

// Continuation re-attaches the background carried by last to a follow-up
// prompt. The instruction footer is not repeated.
func Continuation(raw string, last domain.FormattedPrompt) string {
	var b strings.Builder
	b.WriteString(raw)
	b.WriteString("\n\n")
	b.WriteString(continuationHeader)
	b.WriteString(backgroundHeader)
	b.WriteString("\n")
	writeFields(&b, last.Background)
	return strings.TrimRight(b.String(), "\n")
}

func writeFields(b *strings.Builder, bg domain.BackgroundProfile) {
	writeField(b, "年龄/年级", bg.Age)
	writeField(b, "学习目标", bg.LearningGoal)
	writeField(b, "时间偏好", bg.TimePreference)
	writeField(b, "知识水平", bg.KnowledgeLevel)
	writeField(b, "目标受众", bg.TargetAudience)

	var reqs []string
	for _, r := range bg.SpecialRequirements {
		if r = strings.TrimSpace(r); r != "" {
			reqs = append(reqs, r)
		}
	}
	if len(reqs) > 0 {
		writeField(b, "特殊要求", strings.Join(reqs, requirementSep))
	}
}

func writeField(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	b.WriteString("- ")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}
