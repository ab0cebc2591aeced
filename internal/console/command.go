package console

import (
	"strings"

	"github.com/pkg/errors"
)

// Op is an input command.
type Op int

const (
	OpSay Op = iota
	OpLogin
	OpLogout
	OpTo
	OpResend
	OpPending
	OpWho
	OpHelp
	OpQuit
)

var ErrUsage = errors.New("console: bad command")

// Command is one parsed input line.
type Command struct {
	Op  Op
	Arg string
}

// Help lists the commands understood by Parse.
const Help = `commands:
  /login <name>   sign in
  /logout         sign out
  /to <name>      talk to name and show your history with them
  /resend <id>    resend a failed message by id prefix
  /pending        list messages awaiting acknowledgment
  /who            list online users
  /quit           exit
anything else is sent to the current peer`

// Parse reads one input line. Blank lines yield ok == false.
func Parse(line string) (cmd Command, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, false, nil
	}
	if line == "quit" || line == "exit" {
		return Command{Op: OpQuit}, true, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Op: OpSay, Arg: line}, true, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "login":
		return withArg(OpLogin, name, arg)
	case "logout":
		return Command{Op: OpLogout}, true, nil
	case "to":
		return withArg(OpTo, name, arg)
	case "resend":
		return withArg(OpResend, name, arg)
	case "pending":
		return Command{Op: OpPending}, true, nil
	case "who":
		return Command{Op: OpWho}, true, nil
	case "help", "?":
		return Command{Op: OpHelp}, true, nil
	case "quit", "exit":
		return Command{Op: OpQuit}, true, nil
	}
	return Command{}, false, errors.Wrapf(ErrUsage, "unknown command /%s", name)
}

func withArg(op Op, name, arg string) (Command, bool, error) {
	if arg == "" {
		return Command{}, false, errors.Wrapf(ErrUsage, "/%s needs an argument", name)
	}
	return Command{Op: op, Arg: arg}, true, nil
}
