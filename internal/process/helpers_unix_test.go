//go:build !windows

package process

// shell returns a spec running script under /bin/sh.
func shell(name, script string) Spec {
	return Spec{Name: name, Command: "/bin/sh", Args: []string{"-c", script}}
}
