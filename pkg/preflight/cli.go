package preflight

import (
	"fmt"
	"os/exec"
)

// checkExecutable reports whether name resolves on PATH to an executable
// file. It does not invoke the binary, only resolves it.
func checkExecutable(name string) (bool, string) {
	path, err := exec.LookPath(name)
	if err != nil {
		return false, fmt.Sprintf("%s not found on PATH: %v", name, err)
	}
	return true, path
}
