package monitor

import (
	"errors"
	"strings"
)

type CommandKind int

const (
	CommandMessage CommandKind = iota
	CommandPlan
	CommandPublish
	CommandClear
	CommandDismiss
	CommandReload
)

type Command struct {
	Kind        CommandKind
	Text        string
	TargetAgent string
	Agents      []string
}

var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand reads one line of monitor input:
//
//	/plan <description>           analyze, animate and publish
//	/task a,b,c: <description>    publish directly to agents a, b, c in order
//	/clear  /dismiss  /reload
//	@agent <message>              message one agent
//	<message>                     message the room
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, errors.New("empty input")
	}

	if strings.HasPrefix(line, "@") {
		target, text, _ := strings.Cut(line[1:], " ")
		if strings.TrimSpace(target) == "" || strings.TrimSpace(text) == "" {
			return Command{}, errors.New("usage: @agent <message>")
		}
		return Command{Kind: CommandMessage, TargetAgent: target, Text: strings.TrimSpace(text)}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: CommandMessage, Text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(name) {
	case "plan":
		if rest == "" {
			return Command{}, errors.New("usage: /plan <description>")
		}
		return Command{Kind: CommandPlan, Text: rest}, nil
	case "task":
		agentList, desc, ok := strings.Cut(rest, ":")
		if !ok || strings.TrimSpace(desc) == "" {
			return Command{}, errors.New("usage: /task a,b,c: <description>")
		}
		agents := make([]string, 0)
		for _, a := range strings.Split(agentList, ",") {
			if a = strings.TrimSpace(a); a != "" {
				agents = append(agents, a)
			}
		}
		return Command{Kind: CommandPublish, Text: strings.TrimSpace(desc), Agents: agents}, nil
	case "clear":
		return Command{Kind: CommandClear}, nil
	case "dismiss":
		return Command{Kind: CommandDismiss}, nil
	case "reload":
		return Command{Kind: CommandReload}, nil
	default:
		return Command{}, ErrUnknownCommand
	}
}
