package pipeline

import "strings"

// CommandKind identifies a control command.
type CommandKind int

const (
	// CommandNone means the text is an ordinary message for the agent.
	CommandNone CommandKind = iota
	CommandNew
	CommandStatus
	CommandSkills
)

// Command is a parsed control command.
type Command struct {
	Kind CommandKind
	Args string
}

// ParseCommand recognizes "/new" (and bare "new"), "/status" and "/skills".
// A Telegram-style bot suffix ("/new@taskbot") is accepted. Anything else
// is CommandNone.
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	if strings.EqualFold(text, "new") {
		return Command{Kind: CommandNew}
	}
	if !strings.HasPrefix(text, "/") {
		return Command{}
	}

	name, args, _ := strings.Cut(text[1:], " ")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	args = strings.TrimSpace(args)

	switch strings.ToLower(name) {
	case "new":
		return Command{Kind: CommandNew, Args: args}
	case "status":
		return Command{Kind: CommandStatus, Args: args}
	case "skills":
		return Command{Kind: CommandSkills, Args: args}
	default:
		return Command{}
	}
}
