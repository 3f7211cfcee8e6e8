package process

import (
	"os/exec"
	"strings"
)

// Spec describes a subprocess the supervisor launches: the node, the deploy
// script, or the archiver.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"-"` // full environment; nil inherits the supervisor's
}

// BuildCommand constructs the *exec.Cmd for s. Arguments are passed verbatim,
// no shell is involved.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- command and args come from supervisor configuration
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = s.Dir
	if s.Env != nil {
		cmd.Env = s.Env
	}
	return cmd
}

// String renders the command line for logs.
func (s Spec) String() string {
	parts := append([]string{s.Command}, s.Args...)
	return strings.Join(parts, " ")
}
