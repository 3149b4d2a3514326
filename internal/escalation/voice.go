package escalation

import (
	"strings"
)

// Command 语音命令分类（封闭集合）
type Command string

const (
	CommandUnknown     Command = "unknown"
	CommandAffirmative Command = "affirmative"
	CommandCancel      Command = "cancel_emergency"
	CommandStatus      Command = "status"
)

// affirmativePhrases 肯定答复关键词
var affirmativePhrases = []string{
	"yes", "yeah", "yep", "okay", "ok", "i'm fine", "im fine", "i am fine", "all good",
}

// cancelPhrases 取消报警关键词
var cancelPhrases = []string{
	"cancel", "stop the alarm", "false alarm", "i don't need help", "dont need help",
}

// statusPhrases 状态询问关键词
var statusPhrases = []string{
	"status", "how am i", "what happened",
}

// ClassifyCommand 将识别文本映射到命令集合（纯函数，只做解析）
func ClassifyCommand(text string) Command {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return CommandUnknown
	}

	for _, p := range cancelPhrases {
		if strings.Contains(normalized, p) {
			return CommandCancel
		}
	}
	for _, p := range affirmativePhrases {
		if strings.Contains(normalized, p) {
			return CommandAffirmative
		}
	}
	for _, p := range statusPhrases {
		if strings.Contains(normalized, p) {
			return CommandStatus
		}
	}
	return CommandUnknown
}
