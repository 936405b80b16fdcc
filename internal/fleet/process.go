package fleet

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// LaunchSpec describes one node process.
type LaunchSpec struct {
	Binary  string
	Args    []string
	Dir     string
	LogPath string
}

// ProcessController starts and signals node processes.
type ProcessController interface {
	// Launch starts the process in its own process group and returns its pid,
	// which is also the group id.
	Launch(spec LaunchSpec) (int, error)

	// Signal delivers sig to the process group pgid.
	Signal(pgid int, sig syscall.Signal) error

	// Alive reports whether pid still exists.
	Alive(pid int) bool
}

// PortChecker reports whether a local port is already bound.
type PortChecker interface {
	Bound(host string, port int) bool
}

// OSProcesses is the ProcessController backed by the operating system.
type OSProcesses struct{}

// Launch implements ProcessController. Output goes to spec.LogPath.
func (OSProcesses) Launch(spec LaunchSpec) (int, error) {
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, err
	}

	// Reap the child if it exits while this process is still around.
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	return cmd.Process.Pid, nil
}

// Signal implements ProcessController.
func (OSProcesses) Signal(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return fmt.Errorf("invalid process group %d", pgid)
	}
	return syscall.Kill(-pgid, sig)
}

// Alive implements ProcessController.
func (OSProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// ListenProbe checks ports by trying to bind them.
type ListenProbe struct{}

// Bound implements PortChecker.
func (ListenProbe) Bound(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return true
	}
	l.Close()
	return false
}
