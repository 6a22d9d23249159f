//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no graceful variant on windows; every signal kills.
func signalGroup(p *os.Process, _ syscall.Signal) error {
	return p.Kill()
}
