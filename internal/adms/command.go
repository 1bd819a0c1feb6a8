package adms

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadCommand classifies malformed server command lines. Callers drop
// and log the line; parsing never aborts the sync loop.
var ErrBadCommand = errors.New("malformed server command")

// Command is one parsed server command. The concrete types below are the
// only implementations.
type Command interface {
	isCommand()
}

// UserInfoCommand upserts one user pushed down by the server.
type UserInfoCommand struct {
	AgentID int64
	Name    string
}

// RestartCommand asks the terminal to restart. Execution is a privileged
// side effect delegated to a collaborator; the engine only dispatches it.
type RestartCommand struct{}

// UnknownCommand is any verb this terminal does not implement. It is
// ignored, never an error, so newer servers stay compatible.
type UnknownCommand struct {
	Verb string
}

func (UserInfoCommand) isCommand() {}
func (RestartCommand) isCommand()  {}
func (UnknownCommand) isCommand()  {}

// ParseCommand parses one line of a server command block. Lines look like
//
//	C:<id>:DATA USERINFO PIN=7<TAB>Name=Luis<TAB>...
//
// but only the verb and its key=value payload are load-bearing; the C:
// envelope varies between server versions and is tolerated loosely.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrBadCommand)
	}

	if _, payload, ok := strings.Cut(line, "USERINFO "); ok {
		return parseUserInfo(payload)
	}
	if strings.Contains(line, "USERINFO") {
		return nil, fmt.Errorf("%w: USERINFO without payload", ErrBadCommand)
	}

	verb := commandVerb(line)
	switch verb {
	case "RESTART", "REBOOT":
		return RestartCommand{}, nil
	default:
		return UnknownCommand{Verb: verb}, nil
	}
}

func parseUserInfo(payload string) (Command, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(payload, "\t") {
		if key, value, ok := strings.Cut(part, "="); ok {
			fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}

	pin, ok := fields["PIN"]
	if !ok {
		return nil, fmt.Errorf("%w: USERINFO missing PIN", ErrBadCommand)
	}
	agentID, err := strconv.ParseInt(pin, 10, 64)
	if err != nil || agentID <= 0 {
		return nil, fmt.Errorf("%w: USERINFO bad PIN %q", ErrBadCommand, pin)
	}

	name := fields["Name"]
	if name == "" {
		return nil, fmt.Errorf("%w: USERINFO missing Name", ErrBadCommand)
	}

	return UserInfoCommand{AgentID: agentID, Name: name}, nil
}

// commandVerb strips the C:<id>: envelope and returns the first token.
func commandVerb(line string) string {
	if strings.HasPrefix(line, "C:") {
		if _, rest, ok := strings.Cut(line[2:], ":"); ok {
			line = rest
		}
	}
	verb, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	return verb
}
