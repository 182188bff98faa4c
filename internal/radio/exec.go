package radio

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// process is a long-running helper such as hostapd or dnsmasq.
type process interface {
	Stop() error
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	// Reap; the exit status of a killed helper is not interesting.
	_ = p.cmd.Wait()
	return nil
}

func runCommand(name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func spawnCommand(name string, args ...string) (process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &execProcess{cmd: cmd}, nil
}
