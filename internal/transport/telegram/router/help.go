package router

import (
	"strings"

	"crowdbot/pkg/tgui"
)

// renderHelp lists commands in registration order as Telegram HTML.
// Owner-only commands are shown to owners only.
func renderHelp(cmds []Command, owner bool) string {
	lines := []string{tgui.B("Bot commands:").String()}
	var ops []string
	for _, c := range cmds {
		if c.Handle == nil {
			continue
		}
		line := tgui.JoinH(" - ", tgui.Esc("/"+c.Name), tgui.Esc(c.Description)).String()
		if c.Usage != "" {
			line += " " + tgui.Code(c.Usage).String()
		}
		if c.Access == AccessOwnerOnly {
			if owner {
				ops = append(ops, "🔒 "+line)
			}
			continue
		}
		lines = append(lines, line)
	}
	if len(ops) > 0 {
		lines = append(lines, "", tgui.B("Operator:").String())
		lines = append(lines, ops...)
	}
	return strings.Join(lines, "\n")
}
